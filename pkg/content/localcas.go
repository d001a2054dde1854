package content

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/corvus-build/pipcache/pkg/failure"
	"github.com/corvus-build/pipcache/pkg/filesystem"
	"github.com/corvus-build/pipcache/pkg/fingerprint"
	"github.com/corvus-build/pipcache/pkg/logging"
	"github.com/corvus-build/pipcache/pkg/must"
	"github.com/corvus-build/pipcache/pkg/stream"
)

// localCASWriteBufferSize is the buffer size used for writes into the store.
const localCASWriteBufferSize = 64 * 1024

// LocalCAS is a disk-backed, prefix-sharded content-addressed store: the
// reference implementation of Store. It is adapted from the teacher's
// path-salted staging store, simplified to pure hash addressing since C1's
// contract pins content by hash alone, not by destination path.
//
// After Initialize is called, all methods may be invoked concurrently.
type LocalCAS struct {
	root   string
	hidden bool

	writeBufferPool sync.Pool
	hasherPool      sync.Pool

	prefixLock   sync.RWMutex
	prefixExists [256]bool
	initialized  bool

	logger *logging.Logger
}

// NewLocalCAS creates a new store rooted at root. hidden requests that the
// root directory be marked hidden on platforms that support it.
func NewLocalCAS(root string, hidden bool, logger *logging.Logger) *LocalCAS {
	return &LocalCAS{
		root:   root,
		hidden: hidden,
		writeBufferPool: sync.Pool{
			New: func() any {
				return bufio.NewWriterSize(io.Discard, localCASWriteBufferSize)
			},
		},
		hasherPool: sync.Pool{
			New: func() any {
				return sha256.New()
			},
		},
		logger: logger,
	}
}

// Initialize prepares the store to receive content, creating the root
// directory and scanning any existing prefix shards.
func (s *LocalCAS) Initialize() error {
	if s.initialized {
		return nil
	}

	var existed bool
	if err := os.Mkdir(s.root, 0700); err != nil {
		if errors.Is(err, fs.ErrExist) {
			metadata, statErr := os.Lstat(s.root)
			if statErr != nil {
				return fmt.Errorf("unable to query existing storage root: %w", statErr)
			} else if !metadata.IsDir() {
				return errors.New("storage root exists and is not a directory")
			}
			existed = true
		} else {
			return fmt.Errorf("unable to create storage root: %w", err)
		}
	} else if s.hidden {
		if err := filesystem.MarkHidden(s.root); err != nil {
			return fmt.Errorf("unable to hide storage root: %w", err)
		}
	}

	s.prefixExists = [256]bool{}
	if existed {
		contents, err := os.ReadDir(s.root)
		if err != nil {
			return fmt.Errorf("unable to read existing storage root contents: %w", err)
		}
		for _, entry := range contents {
			prefix, ok := parsePrefixDirectoryName(entry.Name())
			if !ok {
				continue
			}
			if !entry.IsDir() {
				return fmt.Errorf("non-directory content with prefix name (%s) found in storage root", entry.Name())
			}
			s.prefixExists[prefix] = true
		}
	}

	s.initialized = true
	return nil
}

func isLowerCaseHexCharacter(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f')
}

func parsePrefixDirectoryName(name string) (byte, bool) {
	if len(name) != 2 || !isLowerCaseHexCharacter(name[0]) || !isLowerCaseHexCharacter(name[1]) {
		return 0, false
	}
	var result [1]byte
	if n, err := hex.Decode(result[:], []byte(name)); n != 1 || err != nil {
		return 0, false
	}
	return result[0], true
}

// pathFor computes the on-disk path for a given content hash.
func (s *LocalCAS) pathFor(hash fingerprint.ContentHash) (path, prefix string) {
	digestHex := hex.EncodeToString(hash.Bytes[:])
	prefix = digestHex[:2]
	name := fmt.Sprintf("%d-%s", hash.Type, digestHex)
	return filepath.Join(s.root, prefix, name), prefix
}

func (s *LocalCAS) ensurePrefixDirectory(hash fingerprint.ContentHash, prefix string) error {
	prefixByte := hash.Bytes[0]

	s.prefixLock.RLock()
	exists := s.prefixExists[prefixByte]
	s.prefixLock.RUnlock()
	if exists {
		return nil
	}

	s.prefixLock.Lock()
	defer s.prefixLock.Unlock()
	if s.prefixExists[prefixByte] {
		return nil
	}
	if err := os.Mkdir(filepath.Join(s.root, prefix), 0700); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	s.prefixExists[prefixByte] = true
	return nil
}

// Contains implements Store.Contains.
func (s *LocalCAS) Contains(hash fingerprint.ContentHash) (bool, error) {
	if !s.initialized {
		return false, errors.New("store uninitialized")
	}

	s.prefixLock.RLock()
	prefixExists := s.prefixExists[hash.Bytes[0]]
	s.prefixLock.RUnlock()
	if !prefixExists {
		return false, nil
	}

	target, _ := s.pathFor(hash)
	if metadata, err := os.Lstat(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("unable to query storage: %w", err)
	} else if metadata.Mode()&fs.ModeType != 0 {
		return false, nil
	}
	return true, nil
}

// LoadAvailable implements Store.LoadAvailable. LocalCAS never transfers
// content from elsewhere, so availability reduces to a local Contains check.
func (s *LocalCAS) LoadAvailable(ctx context.Context, hashes []fingerprint.ContentHash) (AvailabilityReport, error) {
	report := AvailabilityReport{PerHash: make(map[fingerprint.ContentHash]PerHashAvailability, len(hashes)), AllAvailable: true}
	for _, h := range hashes {
		if ctx.Err() != nil {
			return report, failure.New(failure.Cancelled, "load_available cancelled")
		}
		ok, err := s.Contains(h)
		if err != nil {
			return report, failure.Wrap(failure.IOError, "unable to check local availability", err)
		}
		report.PerHash[h] = PerHashAvailability{Available: ok, Source: "local"}
		if !ok {
			report.AllAvailable = false
		}
	}
	return report, nil
}

// StoreBytes implements Store.StoreBytes.
func (s *LocalCAS) StoreBytes(ctx context.Context, data []byte, expected *fingerprint.ContentHash) (fingerprint.ContentHash, error) {
	return s.StoreStream(ctx, &byteReader{data: data}, expected)
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// StoreStream implements Store.StoreStream.
func (s *LocalCAS) StoreStream(ctx context.Context, r io.Reader, expected *fingerprint.ContentHash) (fingerprint.ContentHash, error) {
	if !s.initialized {
		return fingerprint.ContentHash{}, errors.New("store uninitialized")
	}

	temp, err := os.CreateTemp(s.root, "incoming")
	if err != nil {
		return fingerprint.ContentHash{}, fmt.Errorf("unable to create temporary storage file: %w", err)
	}

	hasher := s.hasherPool.Get().(hash.Hash)
	hasher.Reset()
	hashedWriter := stream.NewHashedWriter(temp, hasher)

	buffer := s.writeBufferPool.Get().(*bufio.Writer)
	buffer.Reset(hashedWriter)

	written, err := io.Copy(buffer, r)
	if err != nil {
		buffer.Reset(io.Discard)
		s.writeBufferPool.Put(buffer)
		s.hasherPool.Put(hasher)
		must.Close(temp, s.logger)
		must.OSRemove(temp.Name(), s.logger)
		return fingerprint.ContentHash{}, fmt.Errorf("unable to write content: %w", err)
	}
	if err := buffer.Flush(); err != nil {
		buffer.Reset(io.Discard)
		s.writeBufferPool.Put(buffer)
		s.hasherPool.Put(hasher)
		must.Close(temp, s.logger)
		must.OSRemove(temp.Name(), s.logger)
		return fingerprint.ContentHash{}, fmt.Errorf("unable to flush content: %w", err)
	}
	buffer.Reset(io.Discard)
	s.writeBufferPool.Put(buffer)

	var digest fingerprint.ContentHash
	digest.Type = fingerprint.HashTypeSHA256
	copy(digest.Bytes[:], hasher.Sum(nil))
	s.hasherPool.Put(hasher)

	if err := temp.Close(); err != nil {
		must.OSRemove(temp.Name(), s.logger)
		return fingerprint.ContentHash{}, fmt.Errorf("unable to close temporary storage: %w", err)
	}

	if expected != nil && *expected != digest {
		must.OSRemove(temp.Name(), s.logger)
		return fingerprint.ContentHash{}, failure.New(failure.Corrupted, "stored content does not match expected hash")
	}

	target, prefix := s.pathFor(digest)
	if err := s.ensurePrefixDirectory(digest, prefix); err != nil {
		must.OSRemove(temp.Name(), s.logger)
		return fingerprint.ContentHash{}, fmt.Errorf("unable to create prefix directory: %w", err)
	}

	if err := filesystem.Rename(temp.Name(), target); err != nil {
		must.OSRemove(temp.Name(), s.logger)
		return fingerprint.ContentHash{}, fmt.Errorf("unable to relocate storage: %w", err)
	}

	s.logger.Debugf("stored %s as %s", humanize.Bytes(uint64(written)), digest)

	return digest, nil
}

// OpenStream implements Store.OpenStream.
func (s *LocalCAS) OpenStream(ctx context.Context, hash fingerprint.ContentHash) (io.ReadCloser, error) {
	target, _ := s.pathFor(hash)
	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, failure.New(failure.Unavailable, "content not present locally")
		}
		return nil, failure.Wrap(failure.IOError, "unable to open stored content", err)
	}
	return f, nil
}

// Materialize implements Store.Materialize.
func (s *LocalCAS) Materialize(ctx context.Context, hash fingerprint.ContentHash, mode RealizationMode, targetPath string, track bool) (MaterializeResult, error) {
	source, _ := s.pathFor(hash)

	if _, err := os.Lstat(source); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return MaterializeResult{}, failure.New(failure.Unavailable, "content not present locally")
		}
		return MaterializeResult{}, failure.Wrap(failure.IOError, "unable to query stored content", err)
	}

	_ = os.Remove(targetPath)
	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return MaterializeResult{}, failure.Wrap(failure.IOError, "unable to create target directory", err)
	}

	var placeErr error
	if mode == HardLinkOrCopy {
		if err := os.Link(source, targetPath); err != nil {
			placeErr = copyFile(source, targetPath)
		}
	} else {
		placeErr = copyFile(source, targetPath)
	}
	if placeErr != nil {
		return MaterializeResult{}, failure.Wrap(failure.IOError, "unable to place content", placeErr)
	}

	result := MaterializeResult{Origin: DeployedFromCache}
	if track {
		info, statErr := os.Lstat(targetPath)
		length := uint64(0)
		if statErr == nil {
			length = uint64(info.Size())
		}
		result.Tracked = TrackedFileContentInfo{Path: targetPath, Hash: hash, Length: length}
	}
	return result, nil
}

func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
