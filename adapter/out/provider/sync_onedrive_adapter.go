package provider

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/logger"
)

// =============================================================================
// OneDrive Adapter (Microsoft Graph)
// =============================================================================

const oneDrivePageSize = 100

// OneDriveAdapter implements out.DriveProvider against the Graph
// /me/drive surface. Children listings do not support server-side date
// filters, so MinDate applies after the pull.
type OneDriveAdapter struct {
	graph      *graphClient
	contentMax int64
	log        *logger.Logger
}

// NewOneDriveAdapter creates an adapter bound to the user behind tokens.
func NewOneDriveAdapter(tokens *userTokens, contentMax int64) *OneDriveAdapter {
	return &OneDriveAdapter{
		graph:      newGraphClient(tokens, domain.ProviderOneDrive),
		contentMax: contentMax,
		log:        logger.WithField("component", "onedrive_adapter").WithUser(tokens.userID),
	}
}

// ProviderType returns the provider type.
func (a *OneDriveAdapter) ProviderType() domain.Provider {
	return domain.ProviderOneDrive
}

// Authenticate reports whether stored credentials can authorize calls.
func (a *OneDriveAdapter) Authenticate(ctx context.Context) (bool, error) {
	return a.graph.tokens.authenticate(ctx)
}

// =============================================================================
// Listings
// =============================================================================

// ListFiles lists drive children, or searches when a query is given.
// Folders are skipped; MinDate filters client-side.
func (a *OneDriveAdapter) ListFiles(ctx context.Context, opts *out.ListFilesOptions) ([]*domain.StorageFile, error) {
	if opts == nil {
		opts = &out.ListFilesOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = driveDefaultListLimit
	}

	next := a.listPath(opts)
	var files []*domain.StorageFile
	for next != "" && len(files) < limit {
		var page graphListResponse[graphDriveItem]
		if err := a.graph.get(ctx, next, &page); err != nil {
			return nil, err
		}
		for i := range page.Value {
			item := &page.Value[i]
			if item.Folder != nil {
				continue
			}
			f := a.convertItem(item)
			if !opts.MinDate.IsZero() && !f.Modified.IsZero() && f.Modified.Before(opts.MinDate) {
				continue
			}
			files = append(files, f)
		}
		next = page.NextLink
	}

	if len(files) > limit {
		files = files[:limit]
	}
	a.log.Debug("listed %d files", len(files))
	return files, nil
}

func (a *OneDriveAdapter) listPath(opts *out.ListFilesOptions) string {
	params := url.Values{}
	params.Set("$top", fmt.Sprintf("%d", oneDrivePageSize))

	if opts.Query != "" {
		return fmt.Sprintf("/me/drive/root/search(q='%s')?%s", url.PathEscape(opts.Query), params.Encode())
	}
	if opts.FolderID != "" {
		return fmt.Sprintf("/me/drive/items/%s/children?%s", opts.FolderID, params.Encode())
	}
	return "/me/drive/root/children?" + params.Encode()
}

func (a *OneDriveAdapter) convertItem(item *graphDriveItem) *domain.StorageFile {
	f := &domain.StorageFile{
		UserID:   a.graph.tokens.userID,
		Provider: domain.ProviderOneDrive,
		FileID:   item.ID,
		Name:     item.Name,
		Size:     item.Size,
		WebLink:  item.WebURL,
		IsFolder: item.Folder != nil,
	}
	if item.File != nil {
		f.MimeType = item.File.MimeType
	}
	if item.ParentReference != nil {
		f.FolderID = item.ParentReference.ID
	}
	if t, err := time.Parse(time.RFC3339, item.LastModified); err == nil {
		f.Modified = t.UTC()
	}
	return f
}

// ListFolders lists the folders directly under the drive root.
func (a *OneDriveAdapter) ListFolders(ctx context.Context) ([]*domain.StorageFolder, error) {
	next := "/me/drive/root/children?$top=" + fmt.Sprintf("%d", oneDrivePageSize)

	var folders []*domain.StorageFolder
	for next != "" {
		var page graphListResponse[graphDriveItem]
		if err := a.graph.get(ctx, next, &page); err != nil {
			return nil, err
		}
		for i := range page.Value {
			item := &page.Value[i]
			if item.Folder == nil {
				continue
			}
			folder := &domain.StorageFolder{FolderID: item.ID, Name: item.Name}
			if item.ParentReference != nil {
				folder.ParentID = item.ParentReference.ID
			}
			folders = append(folders, folder)
		}
		next = page.NextLink
	}
	return folders, nil
}

// =============================================================================
// Content
// =============================================================================

// GetFileContent downloads one file's bytes, capped at contentMax.
// OneDrive stores no native formats, so nothing is ever exported.
func (a *OneDriveAdapter) GetFileContent(ctx context.Context, fileID string) (*domain.FileContent, error) {
	var item graphDriveItem
	if err := a.graph.get(ctx, "/me/drive/items/"+fileID, &item); err != nil {
		return nil, err
	}
	if item.Folder != nil {
		return nil, out.NewProviderError(a.ProviderType(), out.ProviderErrInvalidArgument, "item is a folder", nil)
	}

	data, err := a.graph.getRaw(ctx, "/me/drive/items/"+fileID+"/content", a.contentMax)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > a.contentMax {
		a.log.Warn("content of %s truncated at %d bytes", fileID, a.contentMax)
		data = data[:a.contentMax]
	}

	mimeType := ""
	if item.File != nil {
		mimeType = item.File.MimeType
	}
	return &domain.FileContent{
		FileID:    fileID,
		Data:      data,
		MimeType:  mimeType,
		Extension: fileExtension(item.Name),
	}, nil
}

// Interface compliance check
var _ out.DriveProvider = (*OneDriveAdapter)(nil)
