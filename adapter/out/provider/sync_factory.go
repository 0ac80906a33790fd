package provider

import (
	"context"
	"path/filepath"

	"golang.org/x/oauth2"

	"sync_server/config"
	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/apperr"
)

// =============================================================================
// Provider Factory
// =============================================================================

// Factory builds per-user adapters on demand. Nothing is cached and no
// construction touches the network: a bad credential surfaces on the
// adapter's first call.
type Factory struct {
	store         out.TokenStore
	googleConf    *oauth2.Config
	microsoftConf *oauth2.Config
	storageRoot   string
	attachmentMax int64
	mboxMinBody   int
}

// NewFactory wires the factory from config plus the shared oauth
// configs that also back the token store.
func NewFactory(cfg *config.Config, store out.TokenStore, google, microsoft *oauth2.Config) *Factory {
	return &Factory{
		store:         store,
		googleConf:    google,
		microsoftConf: microsoft,
		storageRoot:   filepath.Join(cfg.DataRoot, "storage"),
		attachmentMax: cfg.AttachmentMaxBytes,
		mboxMinBody:   cfg.MboxMinBodyLength,
	}
}

func (f *Factory) tokens(userID string, p domain.Provider) *userTokens {
	conf := f.googleConf
	if p.Family() == domain.FamilyMicrosoft {
		conf = f.microsoftConf
	}
	return newUserTokens(f.store, conf, userID, p.Family())
}

// EmailProvider builds the mail adapter for p.
func (f *Factory) EmailProvider(ctx context.Context, userID string, p domain.Provider) (out.EmailProvider, error) {
	switch p {
	case domain.ProviderGoogleEmail:
		return NewGoogleMailAdapter(f.tokens(userID, p), f.attachmentMax), nil
	case domain.ProviderMicrosoftEmail:
		return NewOutlookMailAdapter(f.tokens(userID, p), f.attachmentMax), nil
	case domain.ProviderMbox:
		return NewMboxAdapter(f.storageRoot, userID, f.mboxMinBody), nil
	default:
		return nil, apperr.InvalidArgument("provider", string(p)+" is not an email provider")
	}
}

// DriveProvider builds the file adapter for p.
func (f *Factory) DriveProvider(ctx context.Context, userID string, p domain.Provider) (out.DriveProvider, error) {
	switch p {
	case domain.ProviderGoogleDrive:
		return NewGoogleDriveAdapter(f.tokens(userID, p), f.attachmentMax), nil
	case domain.ProviderOneDrive:
		return NewOneDriveAdapter(f.tokens(userID, p), f.attachmentMax), nil
	case domain.ProviderLocalFS:
		return NewLocalFSAdapter(f.storageRoot, userID, f.attachmentMax), nil
	default:
		return nil, apperr.InvalidArgument("provider", string(p)+" is not a storage provider")
	}
}

// CalendarProvider builds the calendar adapter for p.
func (f *Factory) CalendarProvider(ctx context.Context, userID string, p domain.Provider) (out.CalendarProvider, error) {
	switch p {
	case domain.ProviderGoogleCalendar:
		return NewGoogleCalendarAdapter(f.tokens(userID, p)), nil
	case domain.ProviderMicrosoftCalendar:
		return NewOutlookCalendarAdapter(f.tokens(userID, p)), nil
	default:
		return nil, apperr.InvalidArgument("provider", string(p)+" is not a calendar provider")
	}
}

// Interface compliance check
var _ out.ProviderFactory = (*Factory)(nil)
