package box

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeItem struct {
	Type    string
	ID      string
	Name    string
	Parent  string
	Content []byte
	Perms   map[string]bool
}

// fakeBox serves a small in-memory subset of the Box API.
type fakeBox struct {
	mu       sync.Mutex
	items    map[string]*fakeItem
	order    []string
	nextID   int
	requests []string
	// inject maps "METHOD /path" to statuses returned before the real answer.
	inject map[string][]int
	token  string
}

func newFakeBox(t *testing.T) (*fakeBox, *httptest.Server) {
	t.Helper()
	f := &fakeBox{
		items: map[string]*fakeItem{
			"0": {Type: typeFolder, ID: "0", Name: "All Files"},
		},
		order:  []string{"0"},
		nextID: 100,
		inject: make(map[string][]int),
		token:  "test-token",
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func newTestBackend(t *testing.T, srv *httptest.Server) *Backend {
	t.Helper()
	b, err := New(t.Context(), Config{
		AccessToken: "test-token",
		APIURL:      srv.URL + "/2.0",
		UploadURL:   srv.URL + "/api/2.0",
		MaxRetries:  3,
		HTTPClient:  srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}
	b.client.minWait = time.Millisecond
	b.client.maxWait = 5 * time.Millisecond
	return b
}

func (f *fakeBox) add(typ, parent, name string, content []byte) *fakeItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(typ, parent, name, content)
}

func (f *fakeBox) addLocked(typ, parent, name string, content []byte) *fakeItem {
	f.nextID++
	it := &fakeItem{Type: typ, ID: strconv.Itoa(f.nextID), Name: name, Parent: parent, Content: content}
	f.items[it.ID] = it
	f.order = append(f.order, it.ID)
	return it
}

func (f *fakeBox) setPerms(it *fakeItem, perms map[string]bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it.Perms = perms
}

func (f *fakeBox) setToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeBox) injectStatuses(key string, statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inject[key] = statuses
}

func (f *fakeBox) content(id string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if it, ok := f.items[id]; ok {
		return it.Content
	}
	return nil
}

func (f *fakeBox) requestLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeBox) json(it *fakeItem) map[string]interface{} {
	out := map[string]interface{}{
		"type":        it.Type,
		"id":          it.ID,
		"name":        it.Name,
		"size":        len(it.Content),
		"created_at":  "2024-05-01T10:00:00-07:00",
		"modified_at": "2024-05-02T10:00:00-07:00",
	}
	if it.ID == "0" {
		out["created_at"] = nil
	} else {
		out["parent"] = map[string]string{"id": it.Parent}
	}
	if it.Perms != nil {
		out["permissions"] = it.Perms
	}
	return out
}

func (f *fakeBox) children(id string) []*fakeItem {
	var out []*fakeItem
	for _, cid := range f.order {
		if it, ok := f.items[cid]; ok && it.Parent == id && cid != "0" {
			out = append(out, it)
		}
	}
	return out
}

func (f *fakeBox) nameTaken(parent, name string) bool {
	for _, it := range f.children(parent) {
		if it.Name == name {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]interface{}{
		"type": "error", "status": status, "code": code, "message": code, "request_id": "req-1",
	})
}

func (f *fakeBox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := r.Method + " " + r.URL.Path
	f.requests = append(f.requests, key)

	if strings.HasPrefix(r.URL.Path, "/dl/") {
		it, ok := f.items[strings.TrimPrefix(r.URL.Path, "/dl/")]
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		_, _ = w.Write(it.Content)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if statuses := f.inject[key]; len(statuses) > 0 {
		f.inject[key] = statuses[1:]
		w.Header().Set("Retry-After", "0")
		writeError(w, statuses[0], "injected")
		return
	}

	upload := strings.HasPrefix(r.URL.Path, "/api/2.0/")
	parts := strings.Split(strings.Trim(strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/api"), "/2.0"), "/"), "/")

	switch {
	case upload:
		f.serveUpload(w, r, parts)
	case r.Method == http.MethodGet && parts[0] == "users":
		writeJSON(w, http.StatusOK, map[string]int64{"space_amount": 1000, "space_used": 250})
	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "folders":
		var body struct {
			Name   string    `json:"name"`
			Parent reference `json:"parent"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if f.nameTaken(body.Parent.ID, body.Name) {
			writeError(w, http.StatusConflict, "item_name_in_use")
			return
		}
		writeJSON(w, http.StatusCreated, f.json(f.addLocked(typeFolder, body.Parent.ID, body.Name, nil)))
	default:
		f.serveItem(w, r, parts)
	}
}

func (f *fakeBox) serveItem(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) < 2 {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	it, ok := f.items[parts[1]]
	if !ok || it.Type+"s" != parts[0] {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 2:
		writeJSON(w, http.StatusOK, f.json(it))

	case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "items":
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		kids := f.children(it.ID)
		end := min(offset+limit, len(kids))
		entries := []map[string]interface{}{}
		for _, k := range kids[min(offset, end):end] {
			entries = append(entries, f.json(k))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"total_count": len(kids), "entries": entries, "offset": offset, "limit": limit,
		})

	case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "content":
		http.Redirect(w, r, "/dl/"+it.ID, http.StatusFound)

	case r.Method == http.MethodDelete:
		if it.Type == typeFolder && len(f.children(it.ID)) > 0 {
			writeError(w, http.StatusBadRequest, "folder_not_empty")
			return
		}
		delete(f.items, it.ID)
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPut:
		var body struct {
			Name   string     `json:"name"`
			Parent *reference `json:"parent"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		parent, name := it.Parent, it.Name
		if body.Parent != nil {
			parent = body.Parent.ID
		}
		if body.Name != "" {
			name = body.Name
		}
		if (parent != it.Parent || name != it.Name) && f.nameTaken(parent, name) {
			writeError(w, http.StatusConflict, "item_name_in_use")
			return
		}
		it.Parent, it.Name = parent, name
		writeJSON(w, http.StatusOK, f.json(it))

	case r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "copy":
		var body struct {
			Name   string    `json:"name"`
			Parent reference `json:"parent"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		name := body.Name
		if name == "" {
			name = it.Name
		}
		if f.nameTaken(body.Parent.ID, name) {
			writeError(w, http.StatusConflict, "item_name_in_use")
			return
		}
		writeJSON(w, http.StatusCreated, f.json(f.addLocked(it.Type, body.Parent.ID, name, it.Content)))

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	}
}

func (f *fakeBox) serveUpload(w http.ResponseWriter, r *http.Request, parts []string) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request")
		return
	}
	var attrs struct {
		Name   string    `json:"name"`
		Parent reference `json:"parent"`
	}
	var content []byte
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request")
			return
		}
		switch part.FormName() {
		case "attributes":
			if content != nil {
				writeError(w, http.StatusBadRequest, "attributes_after_file")
				return
			}
			_ = json.NewDecoder(part).Decode(&attrs)
		case "file":
			content, _ = io.ReadAll(part)
			if content == nil {
				content = []byte{}
			}
		}
	}

	var it *fakeItem
	switch {
	case len(parts) == 2 && parts[1] == "content":
		if f.nameTaken(attrs.Parent.ID, attrs.Name) {
			writeError(w, http.StatusConflict, "item_name_in_use")
			return
		}
		it = f.addLocked(typeFile, attrs.Parent.ID, attrs.Name, content)
	case len(parts) == 3 && parts[2] == "content":
		var ok bool
		if it, ok = f.items[parts[1]]; !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		it.Content = content
	default:
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"total_count": 1, "entries": []interface{}{f.json(it)},
	})
}
