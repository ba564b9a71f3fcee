package trackers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFetchMergesAndDedupes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a":
			fmt.Fprint(w, "udp://one:80/announce\n\n  udp://two:80/announce  \n")
		case "/b":
			fmt.Fprint(w, "udp://two:80/announce\r\nhttp://three/announce\r\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	got := Fetch(context.Background(), []string{srv.URL + "/a", srv.URL + "/missing", srv.URL + "/b"})
	assert.Equal(t, []string{
		"udp://one:80/announce",
		"udp://two:80/announce",
		"http://three/announce",
	}, got)
	assert.Equal(t, "udp://one:80/announce,udp://two:80/announce,http://three/announce", Join(got))
}

func TestFetchUnreachableSource(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	assert.Empty(t, Fetch(context.Background(), []string{url, "::not a url"}))
}
