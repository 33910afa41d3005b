package pagecache_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/always-cache/pagecache"
	"github.com/always-cache/pagecache/cache"
	"github.com/rs/zerolog"
)

func ExamplePageCache_Middleware() {
	logger := zerolog.Nop()
	pc, err := pagecache.New(pagecache.Config{
		Options: pagecache.Options{Lifetime: 300, ClearCacheParam: "purge"},
		Cache:   cache.NewMemoryStore(),
		Logger:  &logger,
	})
	if err != nil {
		panic(err)
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Hello, %q", r.URL.Path)
	})
	srv := httptest.NewServer(pc.Middleware(handler))
	defer srv.Close()

	for _, target := range []string{"/world?b=2&a=1", "/world?a=1&b=2", "/world?a=1&b=2&purge"} {
		res, err := http.Get(srv.URL + target)
		if err != nil {
			panic(err)
		}
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		fmt.Println(res.Header.Get("X-Cache"), string(body))
	}
	// Output:
	// miss Hello, "/world"
	// hit Hello, "/world"
	// miss Hello, "/world"
}
