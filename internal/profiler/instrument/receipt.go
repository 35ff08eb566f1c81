package instrument

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

type receipt struct {
	time time.Time
	body *bodyCapture
}

type receiptKey struct{}

func receiptFrom(ctx context.Context) *receipt {
	r, _ := ctx.Value(receiptKey{}).(*receipt)
	return r
}

// receiptMiddleware records when a request was received and tees up to maxBodyBytes of the body
// the handler reads. Unread body is never consumed on the handler's behalf.
func receiptMiddleware(now func() time.Time, maxBodyBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &receipt{time: now()}
			if r.Body != nil && r.Body != http.NoBody {
				rec.body = &bodyCapture{source: r.Body, limit: maxBodyBytes}
				r.Body = rec.body
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), receiptKey{}, rec)))
		})
	}
}

// bodyCapture copies what is read from source into a buffer bounded by limit.
type bodyCapture struct {
	source io.ReadCloser
	limit  int64
	buffer bytes.Buffer
}

func (b *bodyCapture) Read(p []byte) (int, error) {
	n, err := b.source.Read(p)
	if n > 0 {
		if room := b.limit - int64(b.buffer.Len()); room > 0 {
			if int64(n) < room {
				room = int64(n)
			}
			b.buffer.Write(p[:room])
		}
	}
	return n, err
}

func (b *bodyCapture) Close() error {
	return b.source.Close()
}

func (b *bodyCapture) bytes() []byte {
	return b.buffer.Bytes()
}
