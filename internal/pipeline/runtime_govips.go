//go:build govips && cgo

package pipeline

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	runtimeMu sync.Mutex
	running   bool
)

// Startup boots libvips once per process. Conversions only ever hold one
// image at a time, so the operation cache is kept small.
func Startup() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if running {
		return nil
	}

	vips.LoggingSettings(nil, vips.LogLevelWarning)
	vips.Startup(&vips.Config{
		MaxCacheFiles: 0,
		MaxCacheMem:   64 * 1024 * 1024,
		MaxCacheSize:  50,
	})
	running = true
	return nil
}

func Shutdown() {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if !running {
		return
	}
	vips.Shutdown()
	running = false
}

func CodecName() string {
	return "govips"
}

func newCodec() (Codec, error) {
	return govipsCodec{}, nil
}
