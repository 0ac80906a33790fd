package provider

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/backoff"
	"sync_server/pkg/httputil"
	"sync_server/pkg/logger"
)

// =============================================================================
// Google Drive Adapter
// =============================================================================

const (
	drivePageSize         = 100
	driveDefaultListLimit = 100
	driveFolderMime       = "application/vnd.google-apps.folder"
	driveListFields       = "nextPageToken, files(id, name, mimeType, size, modifiedTime, parents, webViewLink)"
)

// driveExportFormats maps native Google formats to their export target.
// Native types without a mapping (forms, sites) cannot be exported.
var driveExportFormats = map[string]struct {
	mime string
	ext  string
}{
	"application/vnd.google-apps.document":     {"application/pdf", "pdf"},
	"application/vnd.google-apps.spreadsheet":  {"application/pdf", "pdf"},
	"application/vnd.google-apps.presentation": {"application/pdf", "pdf"},
	"application/vnd.google-apps.drawing":      {"application/pdf", "pdf"},
	"application/vnd.google-apps.script":       {"text/plain", "txt"},
}

// GoogleDriveAdapter implements out.DriveProvider for one user's Drive.
// Listings never realize content; GetFileContent downloads or exports,
// capped at contentMax bytes.
type GoogleDriveAdapter struct {
	tokens     *userTokens
	cb         *gobreaker.CircuitBreaker
	retry      *backoff.Policy
	contentMax int64
	log        *logger.Logger
}

// NewGoogleDriveAdapter creates an adapter bound to the user behind
// tokens.
func NewGoogleDriveAdapter(tokens *userTokens, contentMax int64) *GoogleDriveAdapter {
	return &GoogleDriveAdapter{
		tokens:     tokens,
		cb:         newBreaker("google-drive"),
		retry:      backoff.Default(out.IsRetryableProviderError),
		contentMax: contentMax,
		log:        logger.WithField("component", "gdrive_adapter").WithUser(tokens.userID),
	}
}

// ProviderType returns the provider type.
func (a *GoogleDriveAdapter) ProviderType() domain.Provider {
	return domain.ProviderGoogleDrive
}

// Authenticate reports whether stored credentials can authorize calls.
func (a *GoogleDriveAdapter) Authenticate(ctx context.Context) (bool, error) {
	return a.tokens.authenticate(ctx)
}

func (a *GoogleDriveAdapter) service(ctx context.Context) (*gdrive.Service, error) {
	hc, err := a.tokens.apiClient(ctx, httputil.GoogleClient())
	if err != nil {
		return nil, err
	}
	svc, err := gdrive.NewService(ctx, option.WithHTTPClient(hc))
	if err != nil {
		return nil, a.wrapError(err, "failed to create drive client")
	}
	return svc, nil
}

// =============================================================================
// Listings
// =============================================================================

// ListFiles pages through non-folder files newest first.
func (a *GoogleDriveAdapter) ListFiles(ctx context.Context, opts *out.ListFilesOptions) ([]*domain.StorageFile, error) {
	if opts == nil {
		opts = &out.ListFilesOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = driveDefaultListLimit
	}

	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	query := buildDriveQuery(opts)
	var files []*domain.StorageFile
	pageToken := ""
	for {
		list, err := backoff.ExecuteResult(ctx, a.retry, func(ctx context.Context) (*gdrive.FileList, error) {
			return breakerDo(a.cb, func() (*gdrive.FileList, error) {
				call := svc.Files.List().
					Q(query).
					PageSize(int64(min(limit-len(files), drivePageSize))).
					Fields(driveListFields).
					OrderBy("modifiedTime desc").
					Context(ctx)
				if pageToken != "" {
					call = call.PageToken(pageToken)
				}
				list, err := call.Do()
				if err != nil {
					return nil, a.wrapError(err, "failed to list files")
				}
				return list, nil
			})
		})
		if err != nil {
			return nil, err
		}

		for _, f := range list.Files {
			files = append(files, a.convertFile(f))
		}
		pageToken = list.NextPageToken
		if pageToken == "" || len(files) >= limit {
			break
		}
	}

	if len(files) > limit {
		files = files[:limit]
	}
	a.log.Debug("listed %d files", len(files))
	return files, nil
}

// buildDriveQuery renders the Drive search expression: non-trashed
// non-folders, optionally scoped to a parent, a modified-time floor and
// a pass-through native query.
func buildDriveQuery(opts *out.ListFilesOptions) string {
	clauses := []string{
		"trashed = false",
		fmt.Sprintf("mimeType != '%s'", driveFolderMime),
	}
	if opts.FolderID != "" {
		clauses = append(clauses, fmt.Sprintf("'%s' in parents", opts.FolderID))
	}
	if !opts.MinDate.IsZero() {
		clauses = append(clauses, fmt.Sprintf("modifiedTime > '%s'", opts.MinDate.UTC().Format(time.RFC3339)))
	}
	if opts.Query != "" {
		clauses = append(clauses, opts.Query)
	}
	return strings.Join(clauses, " and ")
}

func (a *GoogleDriveAdapter) convertFile(f *gdrive.File) *domain.StorageFile {
	file := &domain.StorageFile{
		UserID:   a.tokens.userID,
		Provider: domain.ProviderGoogleDrive,
		FileID:   f.Id,
		Name:     f.Name,
		MimeType: f.MimeType,
		Size:     f.Size,
		WebLink:  f.WebViewLink,
		IsFolder: f.MimeType == driveFolderMime,
	}
	if len(f.Parents) > 0 {
		file.FolderID = f.Parents[0]
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		file.Modified = t.UTC()
	}
	return file
}

// ListFolders pages through every folder in the Drive.
func (a *GoogleDriveAdapter) ListFolders(ctx context.Context) ([]*domain.StorageFolder, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("mimeType = '%s' and trashed = false", driveFolderMime)
	var folders []*domain.StorageFolder
	pageToken := ""
	for {
		list, err := backoff.ExecuteResult(ctx, a.retry, func(ctx context.Context) (*gdrive.FileList, error) {
			return breakerDo(a.cb, func() (*gdrive.FileList, error) {
				call := svc.Files.List().
					Q(query).
					PageSize(drivePageSize).
					Fields("nextPageToken, files(id, name, parents)").
					Context(ctx)
				if pageToken != "" {
					call = call.PageToken(pageToken)
				}
				list, err := call.Do()
				if err != nil {
					return nil, a.wrapError(err, "failed to list folders")
				}
				return list, nil
			})
		})
		if err != nil {
			return nil, err
		}

		for _, f := range list.Files {
			folder := &domain.StorageFolder{FolderID: f.Id, Name: f.Name}
			if len(f.Parents) > 0 {
				folder.ParentID = f.Parents[0]
			}
			folders = append(folders, folder)
		}
		pageToken = list.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return folders, nil
}

// =============================================================================
// Content
// =============================================================================

// GetFileContent realizes one file. Native Google formats are exported
// to the mapped neutral format; everything else downloads verbatim.
func (a *GoogleDriveAdapter) GetFileContent(ctx context.Context, fileID string) (*domain.FileContent, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	meta, err := backoff.ExecuteResult(ctx, a.retry, func(ctx context.Context) (*gdrive.File, error) {
		return breakerDo(a.cb, func() (*gdrive.File, error) {
			meta, err := svc.Files.Get(fileID).Fields("id, name, mimeType, size").Context(ctx).Do()
			if err != nil {
				return nil, a.wrapError(err, "failed to get file metadata")
			}
			return meta, nil
		})
	})
	if err != nil {
		return nil, err
	}

	if target, native := driveExportFormats[meta.MimeType]; native {
		data, err := a.download(ctx, func() (io.ReadCloser, error) {
			resp, err := svc.Files.Export(fileID, target.mime).Context(ctx).Download()
			if err != nil {
				return nil, err
			}
			return resp.Body, nil
		})
		if err != nil {
			return nil, err
		}
		return &domain.FileContent{
			FileID:    fileID,
			Data:      data,
			MimeType:  target.mime,
			Extension: target.ext,
			Exported:  true,
		}, nil
	}
	if strings.HasPrefix(meta.MimeType, "application/vnd.google-apps.") {
		// Unlisted native type without an export mapping (forms, sites)
		return nil, out.NewProviderError(a.ProviderType(), out.ProviderErrInvalidArgument,
			fmt.Sprintf("no export for native type %s", meta.MimeType), nil)
	}

	data, err := a.download(ctx, func() (io.ReadCloser, error) {
		resp, err := svc.Files.Get(fileID).Context(ctx).Download()
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	})
	if err != nil {
		return nil, err
	}
	return &domain.FileContent{
		FileID:    fileID,
		Data:      data,
		MimeType:  meta.MimeType,
		Extension: fileExtension(meta.Name),
	}, nil
}

// download runs open through retry and breaker and reads the body up to
// contentMax; longer payloads are cut there and logged.
func (a *GoogleDriveAdapter) download(ctx context.Context, open func() (io.ReadCloser, error)) ([]byte, error) {
	return backoff.ExecuteResult(ctx, a.retry, func(ctx context.Context) ([]byte, error) {
		return breakerDo(a.cb, func() ([]byte, error) {
			body, err := open()
			if err != nil {
				return nil, a.wrapError(err, "failed to download file")
			}
			defer body.Close()

			data, err := io.ReadAll(io.LimitReader(body, a.contentMax+1))
			if err != nil {
				return nil, a.wrapError(err, "failed to read file content")
			}
			if int64(len(data)) > a.contentMax {
				a.log.Warn("content truncated at %d bytes", a.contentMax)
				data = data[:a.contentMax]
			}
			return data, nil
		})
	})
}

// fileExtension pulls the lowercase extension from a filename, empty
// when there is none.
func fileExtension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

func (a *GoogleDriveAdapter) wrapError(err error, defaultMsg string) error {
	return wrapGoogleError(a.ProviderType(), err, defaultMsg)
}

// Interface compliance check
var _ out.DriveProvider = (*GoogleDriveAdapter)(nil)
