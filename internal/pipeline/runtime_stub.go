//go:build !govips || !cgo

package pipeline

// Startup is a no-op for the pure Go codec.
func Startup() error {
	return nil
}

func Shutdown() {}

func CodecName() string {
	return "std"
}

func newCodec() (Codec, error) {
	return stdCodec{}, nil
}
