package content

import (
	"bytes"
	"context"
	"io"

	"github.com/corvus-build/pipcache/pkg/failure"
	"github.com/corvus-build/pipcache/pkg/fingerprint"
)

// Descriptor is implemented by any structure that can be stored through C1's
// serialize_and_store / load_and_deserialize pair: a deterministic binary
// encoding plus a self-reported corruption flag (§4.1, §7 Corrupted).
type Descriptor interface {
	Encode() []byte
	Decode([]byte) error
	Corrupted() bool
}

// SerializeAndStore encodes d deterministically and stores the result,
// returning its content hash.
func SerializeAndStore(ctx context.Context, store Store, d Descriptor) (fingerprint.ContentHash, error) {
	return store.StoreBytes(ctx, d.Encode(), nil)
}

// LoadAndDeserialize loads hash, decodes it into a freshly constructed
// Descriptor via newFn, and retries up to retries times if the decoded
// descriptor reports itself corrupted, per the §4.1 retry policy. Any other
// failure (e.g. Unavailable) returns immediately without retrying.
func LoadAndDeserialize(ctx context.Context, store Store, hash fingerprint.ContentHash, newFn func() Descriptor, retries int) (Descriptor, error) {
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		descriptor, err := loadAndDecodeOnce(ctx, store, hash, newFn)
		if err == nil {
			return descriptor, nil
		}
		lastErr = err
		if !failure.Is(err, failure.Corrupted) {
			return nil, err
		}
	}
	return nil, failure.Wrap(failure.Corrupted, "descriptor remained corrupted after retries", lastErr)
}

func loadAndDecodeOnce(ctx context.Context, store Store, hash fingerprint.ContentHash, newFn func() Descriptor) (Descriptor, error) {
	reader, err := store.OpenStream(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, failure.Wrap(failure.IOError, "unable to read stored descriptor", err)
	}

	descriptor := newFn()
	if err := descriptor.Decode(buf.Bytes()); err != nil {
		return nil, failure.Wrap(failure.Corrupted, "unable to decode descriptor", err)
	}
	if descriptor.Corrupted() {
		return nil, failure.New(failure.Corrupted, "descriptor reported itself corrupted")
	}

	return descriptor, nil
}
