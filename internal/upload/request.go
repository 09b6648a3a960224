package upload

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
)

const (
	defaultContentType = "application/octet-stream"

	// webFilePrefix is the path web views serve local files under, as in
	// http://localhost/_capacitor_file_/storage/emulated/0/a.jpg
	webFilePrefix = "/_capacitor_file_"
)

// ContentResolver reads opaque content handles (anything with a scheme other than file://).
type ContentResolver interface {
	Open(handle string) (io.ReadCloser, int64, error)
	DisplayName(handle string) (string, error)
}

// Field is a single multipart form field
type Field struct {
	Name  string
	Value string
}

// TransportRequest is a fully built upload, ready to be attempted any number of times.
// Every call to Body opens a fresh stream over the file.
type TransportRequest struct {
	Mode        Mode
	Method      string
	URL         string
	Header      http.Header
	FileName    string
	FieldName   string
	ContentType string
	Fields      []Field
	MaxRetries  int

	boundary string
	open     func() (io.ReadCloser, int64, error)
}

// Builder turns tasks into transport requests
type Builder struct {
	resolver ContentResolver
	mimeType func(name string) string
}

func NewBuilder(resolver ContentResolver) *Builder {
	return &Builder{
		resolver: resolver,
		mimeType: func(name string) string {
			return mime.TypeByExtension(filepath.Ext(name))
		},
	}
}

// WithMIMEResolver replaces the extension based content type lookup
func (b *Builder) WithMIMEResolver(fn func(name string) string) *Builder {
	b.mimeType = fn
	return b
}

// Build validates the task and produces its transport request
func (b *Builder) Build(task Task) (*TransportRequest, error) {
	task.ApplyDefaults()
	if err := task.Validate(); err != nil {
		return nil, err
	}

	ref, handle, err := NormalizePath(task.FilePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	req := &TransportRequest{
		Mode:       task.Mode,
		Method:     task.Method,
		Header:     make(http.Header),
		FieldName:  task.FieldName,
		MaxRetries: task.MaxRetries,
	}

	if handle {
		if b.resolver == nil {
			return nil, fmt.Errorf("%w: no content resolver for %q", ErrInvalidRequest, ref)
		}
		req.FileName = b.displayName(ref)
		req.open = func() (io.ReadCloser, int64, error) { return b.resolver.Open(ref) }
	} else {
		req.FileName = filepath.Base(ref)
		req.open = func() (io.ReadCloser, int64, error) { return openFile(ref) }
	}

	req.ContentType = task.ContentType
	if req.ContentType == "" && b.mimeType != nil {
		req.ContentType = b.mimeType(req.FileName)
	}
	if req.ContentType == "" {
		req.ContentType = defaultContentType
	}

	headers := filterEmpty(task.Headers)
	params := filterEmpty(task.Parameters)

	switch task.Mode {
	case ModeBinary:
		if handle && req.FileName != "" {
			params["filename"] = req.FileName
		}
		u, err := url.Parse(task.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if len(params) > 0 {
			q := u.Query()
			for k, v := range params {
				q.Set(k, v)
			}
			u.RawQuery = q.Encode()
		}
		req.URL = u.String()
		req.Header.Set("Content-Type", req.ContentType)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

	case ModeMultipart:
		req.URL = task.ServerURL
		req.boundary = multipart.NewWriter(io.Discard).Boundary()
		for k, v := range params {
			req.Fields = append(req.Fields, Field{Name: k, Value: v})
		}
		sort.Slice(req.Fields, func(i, j int) bool { return req.Fields[i].Name < req.Fields[j].Name })
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		// The boundary must match the body, so callers cannot override it
		req.Header.Set("Content-Type", "multipart/form-data; boundary="+req.boundary)
	}

	return req, nil
}

func (b *Builder) displayName(handle string) string {
	if name, err := b.resolver.DisplayName(handle); err == nil && name != "" {
		return name
	}
	return lastSegment(handle)
}

// Body opens the request body and reports its length, or -1 when unknown
func (r *TransportRequest) Body() (io.ReadCloser, int64, error) {
	file, size, err := r.open()
	if err != nil {
		return nil, 0, err
	}
	if r.Mode != ModeMultipart {
		return file, size, nil
	}

	total := int64(-1)
	if size >= 0 {
		var cw countingWriter
		if err := r.writeMultipart(&cw, strings.NewReader("")); err == nil {
			total = cw.n + size
		}
	}

	pr, pw := io.Pipe()
	go func() {
		defer file.Close()
		pw.CloseWithError(r.writeMultipart(pw, file))
	}()
	return pr, total, nil
}

func (r *TransportRequest) writeMultipart(w io.Writer, file io.Reader) error {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(r.boundary); err != nil {
		return err
	}
	for _, f := range r.Fields {
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(r.FieldName), quoteEscaper.Replace(r.FileName)))
	h.Set("Content-Type", r.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// NormalizePath turns a caller supplied file reference into either a filesystem path or
// an opaque content handle. file:// URLs and web view file URLs become paths and a
// leading ~ is expanded.
func NormalizePath(ref string) (string, bool, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		if u, err := url.Parse(ref); err == nil && strings.HasPrefix(u.Path, webFilePrefix+"/") {
			return strings.TrimPrefix(u.Path, webFilePrefix), false, nil
		}
	}
	if strings.HasPrefix(ref, "file://") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", false, err
		}
		return u.Path, false, nil
	}
	if strings.HasPrefix(ref, "~") {
		p, err := homedir.Expand(ref)
		if err != nil {
			return "", false, err
		}
		return p, false, nil
	}
	if i := strings.Index(ref, "://"); i > 0 {
		return ref, true, nil
	}
	return ref, false, nil
}

func lastSegment(handle string) string {
	p := handle
	if u, err := url.Parse(handle); err == nil && u.Path != "" {
		p = u.Path
	}
	name := path.Base(p)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func openFile(p string) (io.ReadCloser, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}
