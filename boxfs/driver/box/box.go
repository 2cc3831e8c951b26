// Package box implements a boxfs backend over the Box content API.
package box

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/gobeaver/boxfs/boxfs"
)

const (
	DefaultAPIURL    = "https://api.box.com/2.0"
	DefaultUploadURL = "https://upload.box.com/api/2.0"

	itemFields = "type,id,name,size,created_at,modified_at,parent,permissions"

	typeFile   = "file"
	typeFolder = "folder"
)

// Config holds Box backend configuration
type Config struct {
	// AccessToken is used when TokenSource is nil.
	AccessToken string
	TokenSource oauth2.TokenSource

	APIURL    string
	UploadURL string
	// RootID is the folder presented as "/". Box's own root is "0".
	RootID string

	// RateLimit is the request rate per second. Zero disables limiting.
	RateLimit  float64
	MaxRetries int

	// HTTPClient carries the requests underneath the oauth2 transport.
	HTTPClient *http.Client
}

// Backend talks to Box over its REST API.
type Backend struct {
	api       string
	upload    string
	rootID    string
	client    *client
	transport *http.Client

	// kinds remembers whether an ID is a file or a folder, since Box
	// addresses them under different endpoints.
	kinds sync.Map
}

var _ boxfs.Backend = (*Backend)(nil)
var _ boxfs.SpaceReporter = (*Backend)(nil)

// New creates a Box backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	ts := cfg.TokenSource
	if ts == nil {
		if cfg.AccessToken == "" {
			return nil, fmt.Errorf("box: access token is required")
		}
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"})
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.UploadURL == "" {
		cfg.UploadURL = DefaultUploadURL
	}
	if cfg.RootID == "" {
		cfg.RootID = "0"
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}
	httpClient := oauth2.NewClient(ctx, ts)

	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = max(1, int(cfg.RateLimit))
	}

	return &Backend{
		api:       strings.TrimRight(cfg.APIURL, "/"),
		upload:    strings.TrimRight(cfg.UploadURL, "/"),
		rootID:    cfg.RootID,
		transport: httpClient,
		client: &client{
			http:       httpClient,
			limiter:    rate.NewLimiter(limit, burst),
			breaker:    newCircuitBreaker(5, 30*time.Second, 1),
			maxRetries: cfg.MaxRetries,
			minWait:    500 * time.Millisecond,
			maxWait:    30 * time.Second,
		},
	}, nil
}

type itemJSON struct {
	Type        string     `json:"type"`
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Size        int64      `json:"size"`
	CreatedAt   *time.Time `json:"created_at"`
	ModifiedAt  *time.Time `json:"modified_at"`
	Parent      *reference `json:"parent"`
	Permissions *struct {
		CanDownload bool `json:"can_download"`
		CanUpload   bool `json:"can_upload"`
		CanRename   bool `json:"can_rename"`
		CanDelete   bool `json:"can_delete"`
		CanShare    bool `json:"can_share"`
		CanPreview  bool `json:"can_preview"`
	} `json:"permissions"`
}

type reference struct {
	ID string `json:"id"`
}

type collection struct {
	TotalCount int        `json:"total_count"`
	Entries    []itemJSON `json:"entries"`
	Offset     int        `json:"offset"`
	Limit      int        `json:"limit"`
}

func (b *Backend) toItem(j itemJSON) boxfs.Item {
	item := boxfs.Item{
		ID:   j.ID,
		Name: j.Name,
		Kind: boxfs.KindFile,
		Size: j.Size,
	}
	if j.Type == typeFolder {
		item.Kind = boxfs.KindFolder
	}
	if j.CreatedAt != nil {
		item.CreatedAt = *j.CreatedAt
	}
	if j.ModifiedAt != nil {
		item.ModifiedAt = *j.ModifiedAt
	}
	if j.Parent != nil {
		item.ParentID = j.Parent.ID
	}
	if p := j.Permissions; p != nil {
		for _, perm := range []struct {
			ok  bool
			bit boxfs.Permissions
		}{
			{p.CanDownload, boxfs.PermDownload},
			{p.CanUpload, boxfs.PermUpload},
			{p.CanRename, boxfs.PermRename},
			{p.CanDelete, boxfs.PermDelete},
			{p.CanShare, boxfs.PermShare},
			{p.CanPreview, boxfs.PermPreview},
		} {
			if perm.ok {
				item.Permissions |= perm.bit
			}
		}
	}
	if j.Type != "" {
		b.kinds.Store(item.ID, j.Type)
	}
	return item
}

func fields() url.Values {
	return url.Values{"fields": {itemFields}}
}

func (b *Backend) Root(ctx context.Context) (boxfs.Item, error) {
	var j itemJSON
	err := b.client.doJSON(ctx, call{
		method: http.MethodGet,
		url:    b.api + "/folders/" + url.PathEscape(b.rootID),
		query:  fields(),
	}, &j)
	if err != nil {
		return boxfs.Item{}, err
	}
	return b.toItem(j), nil
}

// Item scans the parent's listing for name; Box has no lookup by name.
func (b *Backend) Item(ctx context.Context, parentID, name string) (boxfs.Item, error) {
	token := ""
	for {
		page, err := b.ListChildren(ctx, parentID, token, 1000)
		if err != nil {
			return boxfs.Item{}, err
		}
		for _, item := range page.Items {
			if item.Name == name {
				return item, nil
			}
		}
		if page.NextToken == "" {
			return boxfs.Item{}, fmt.Errorf("%w: %s in folder %s", boxfs.ErrNotFound, name, parentID)
		}
		token = page.NextToken
	}
}

// ListChildren uses offset paging; the page token is the next offset.
func (b *Backend) ListChildren(ctx context.Context, folderID, pageToken string, pageSize int) (boxfs.Page, error) {
	q := fields()
	q.Set("limit", strconv.Itoa(pageSize))
	offset := 0
	if pageToken != "" {
		var err error
		if offset, err = strconv.Atoi(pageToken); err != nil {
			return boxfs.Page{}, fmt.Errorf("%w: bad page token %q", boxfs.ErrInvalid, pageToken)
		}
		q.Set("offset", pageToken)
	}

	var c collection
	err := b.client.doJSON(ctx, call{
		method: http.MethodGet,
		url:    b.api + "/folders/" + url.PathEscape(folderID) + "/items",
		query:  q,
	}, &c)
	if err != nil {
		return boxfs.Page{}, err
	}

	page := boxfs.Page{Items: make([]boxfs.Item, 0, len(c.Entries))}
	for _, e := range c.Entries {
		page.Items = append(page.Items, b.toItem(e))
	}
	if next := offset + len(c.Entries); len(c.Entries) > 0 && next < c.TotalCount {
		page.NextToken = strconv.Itoa(next)
	}
	return page, nil
}

func (b *Backend) CreateFolder(ctx context.Context, parentID, name string) (boxfs.Item, error) {
	var j itemJSON
	err := b.client.doJSON(ctx, call{
		method: http.MethodPost,
		url:    b.api + "/folders",
		query:  fields(),
		json: map[string]interface{}{
			"name":   name,
			"parent": reference{ID: parentID},
		},
	}, &j)
	if err != nil {
		return boxfs.Item{}, err
	}
	return b.toItem(j), nil
}

func (b *Backend) Delete(ctx context.Context, item boxfs.Item) error {
	c := call{method: http.MethodDelete, url: b.api + "/files/" + url.PathEscape(item.ID)}
	if item.IsDir() {
		c.url = b.api + "/folders/" + url.PathEscape(item.ID)
		c.query = url.Values{"recursive": {"false"}}
	}
	if err := b.client.doJSON(ctx, c, nil); err != nil {
		return err
	}
	b.kinds.Delete(item.ID)
	return nil
}

func (b *Backend) Copy(ctx context.Context, id, destParentID, name string) (boxfs.Item, error) {
	body := map[string]interface{}{"parent": reference{ID: destParentID}}
	if name != "" {
		body["name"] = name
	}
	return b.itemCall(ctx, id, func(kindURL string) call {
		return call{method: http.MethodPost, url: kindURL + "/copy", query: fields(), json: body}
	})
}

func (b *Backend) Move(ctx context.Context, id, destParentID, name string) (boxfs.Item, error) {
	body := map[string]interface{}{"parent": reference{ID: destParentID}}
	if name != "" {
		body["name"] = name
	}
	return b.itemCall(ctx, id, func(kindURL string) call {
		return call{method: http.MethodPut, url: kindURL, query: fields(), json: body}
	})
}

func (b *Backend) Rename(ctx context.Context, id, name string) (boxfs.Item, error) {
	return b.itemCall(ctx, id, func(kindURL string) call {
		return call{method: http.MethodPut, url: kindURL, query: fields(), json: map[string]string{"name": name}}
	})
}

// itemCall sends a request to the files or folders endpoint of id. When the
// kind of id is unknown the file endpoint is tried first.
func (b *Backend) itemCall(ctx context.Context, id string, build func(kindURL string) call) (boxfs.Item, error) {
	kinds := []string{typeFile, typeFolder}
	if k, ok := b.kinds.Load(id); ok {
		kinds = []string{k.(string)}
	}

	var err error
	for _, kind := range kinds {
		var j itemJSON
		err = b.client.doJSON(ctx, build(b.api+"/"+kind+"s/"+url.PathEscape(id)), &j)
		if err == nil {
			return b.toItem(j), nil
		}
		if !isNotFound(err) {
			break
		}
	}
	return boxfs.Item{}, err
}

func (b *Backend) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := b.client.do(ctx, call{
		method: http.MethodGet,
		url:    b.api + "/files/" + url.PathEscape(id) + "/content",
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusAccepted {
		// The file is not ready for download yet.
		resp.Body.Close()
		return nil, fmt.Errorf("%w: file %s is not yet available for download", boxfs.ErrRemote, id)
	}
	return resp.Body, nil
}

// Upload streams r as a multipart body. A *bytes.Reader is sent buffered
// with a known length so the request can be retried.
func (b *Backend) Upload(ctx context.Context, parentID, name string, r io.Reader) (boxfs.Item, error) {
	attrs := map[string]interface{}{"name": name, "parent": reference{ID: parentID}}
	return b.sendContent(ctx, b.upload+"/files/content", attrs, name, r)
}

func (b *Backend) UploadVersion(ctx context.Context, id string, r io.Reader) (boxfs.Item, error) {
	return b.sendContent(ctx, b.upload+"/files/"+url.PathEscape(id)+"/content", map[string]interface{}{}, "content", r)
}

func (b *Backend) sendContent(ctx context.Context, endpoint string, attrs map[string]interface{}, filename string, r io.Reader) (boxfs.Item, error) {
	c := call{method: http.MethodPost, url: endpoint, query: fields()}

	if br, ok := r.(*bytes.Reader); ok {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		if err := writeMultipart(mw, attrs, filename, br); err != nil {
			return boxfs.Item{}, err
		}
		c.payload = buf.Bytes()
		c.contentType = mw.FormDataContentType()
	} else {
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			pw.CloseWithError(writeMultipart(mw, attrs, filename, r))
		}()
		defer pr.Close()
		c.body = pr
		c.contentType = mw.FormDataContentType()
	}

	var col collection
	if err := b.client.doJSON(ctx, c, &col); err != nil {
		return boxfs.Item{}, err
	}
	if len(col.Entries) == 0 {
		return boxfs.Item{}, fmt.Errorf("%w: upload returned no entries", boxfs.ErrRemote)
	}
	return b.toItem(col.Entries[0]), nil
}

// writeMultipart writes the attributes part, which Box requires first, and
// then the content.
func writeMultipart(mw *multipart.Writer, attrs map[string]interface{}, filename string, r io.Reader) error {
	data, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	if err := mw.WriteField("attributes", string(data)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

type userJSON struct {
	SpaceAmount int64 `json:"space_amount"`
	SpaceUsed   int64 `json:"space_used"`
}

// Space reports the account quota.
func (b *Backend) Space(ctx context.Context) (boxfs.Space, error) {
	var u userJSON
	err := b.client.doJSON(ctx, call{
		method: http.MethodGet,
		url:    b.api + "/users/me",
		query:  url.Values{"fields": {"space_amount,space_used"}},
	}, &u)
	if err != nil {
		return boxfs.Space{}, err
	}
	s := boxfs.Space{Total: u.SpaceAmount, Used: u.SpaceUsed, Usable: -1}
	if u.SpaceAmount >= 0 {
		s.Usable = max(u.SpaceAmount-u.SpaceUsed, 0)
	}
	return s, nil
}

// Close releases idle connections.
func (b *Backend) Close() error {
	b.transport.CloseIdleConnections()
	return nil
}
