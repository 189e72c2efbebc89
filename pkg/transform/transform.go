// Package transform applies compression and/or encryption to source
// files, producing verifiable artifacts. Work is streamed in chunks so
// memory stays bounded no matter how large the input is, and every
// artifact carries its own integrity checksum, independent of the
// source fingerprint.
//
// Composition is compress-then-encrypt only; encrypting first would
// leave the compressor staring at incompressible ciphertext.
package transform

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ulikunitz/xz/lzma"

	"github.com/filehive/filehive/pkg/types"
)

// CipherKind enumerates supported ciphers. AES-256 is the only one.
type CipherKind uint8

const (
	CipherAES256 CipherKind = iota
)

// Spec enumerates exactly the recognized transform options.
type Spec struct {
	Compress bool
	// CompressionDepth selects the LZMA dictionary size, 1 (fast,
	// small dictionary) through 9. Zero means the codec default.
	CompressionDepth int
	Encrypt          bool
	Cipher           CipherKind
	// KeyRef is an opaque handle resolved by the external key
	// provider. The engine never sees or stores raw key material.
	KeyRef string
}

func (s Spec) Kind() types.TransformKind {
	switch {
	case s.Compress && s.Encrypt:
		return types.TransformCompressEncrypt
	case s.Compress:
		return types.TransformCompress
	case s.Encrypt:
		return types.TransformEncrypt
	}
	return types.TransformNone
}

// KeyProvider resolves opaque key handles to key material. It is
// supplied by the external key-management collaborator.
type KeyProvider interface {
	Resolve(ctx context.Context, keyRef string) ([]byte, error)
}

var (
	ErrNoKeyProvider = errors.New("transform: encryption requested but no key provider configured")
	ErrCorruptFrame  = errors.New("transform: corrupt artifact frame")
)

type Pipeline struct {
	keys KeyProvider
	log  *slog.Logger
}

func NewPipeline(keys KeyProvider, logger *slog.Logger) *Pipeline {
	return &Pipeline{keys: keys, log: logger}
}

// ArtifactExtension is the suffix appended to organized file names for
// a given transform kind, so artifacts are recognizable on disk.
func ArtifactExtension(kind types.TransformKind) string {
	switch kind {
	case types.TransformCompress:
		return ".lzma"
	case types.TransformEncrypt, types.TransformCompressEncrypt:
		return ".fha"
	}
	return ""
}

// Transform produces the artifact for one source file at dstPath. The
// returned artifact records the transform kind, output size and output
// checksum. Any failure removes the partial output and leaves the
// source untouched, so one bad item never poisons its siblings.
func (p *Pipeline) Transform(ctx context.Context, item types.SourceItem, dstPath, artifactID string, spec Spec) (types.Artifact, error) {
	art, err := p.transform(ctx, item, dstPath, artifactID, spec)
	if err != nil {
		os.Remove(dstPath)
		return types.Artifact{}, err
	}
	return art, nil
}

func (p *Pipeline) transform(ctx context.Context, item types.SourceItem, dstPath, artifactID string, spec Spec) (types.Artifact, error) {
	src, err := os.Open(item.Path)
	if err != nil {
		return types.Artifact{}, fmt.Errorf("open source %s: %w", item.Path, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return types.Artifact{}, fmt.Errorf("create artifact %s: %w", dstPath, err)
	}
	defer dst.Close()

	out := newChecksumWriter(dst)

	switch spec.Kind() {
	case types.TransformNone:
		err = copyChunked(ctx, out, src)
	case types.TransformCompress:
		err = p.compressStream(ctx, out, src, spec.CompressionDepth)
	case types.TransformEncrypt, types.TransformCompressEncrypt:
		err = p.encryptStream(ctx, out, src, spec)
	}
	if err != nil {
		return types.Artifact{}, fmt.Errorf("transform %s: %w", item.Path, err)
	}

	if err := dst.Sync(); err != nil {
		return types.Artifact{}, fmt.Errorf("sync artifact %s: %w", dstPath, err)
	}

	return types.Artifact{
		ID:                artifactID,
		Kind:              spec.Kind(),
		Size:              out.n,
		Checksum:          out.Sum(),
		SourceFingerprint: item.Fingerprint,
		SourceSize:        item.Size,
		KeyRef:            keyRefFor(spec),
	}, nil
}

// Restore reverses a transform: the artifact at artifactPath is
// decrypted and/or decompressed back into dstPath, reproducing the
// original source bytes exactly.
func (p *Pipeline) Restore(ctx context.Context, artifactPath, dstPath string, kind types.TransformKind, keyRef string) error {
	src, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", artifactPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dstPath, err)
	}
	defer dst.Close()

	switch kind {
	case types.TransformNone:
		err = copyChunked(ctx, dst, src)
	case types.TransformCompress:
		err = p.decompressStream(ctx, dst, src)
	case types.TransformEncrypt, types.TransformCompressEncrypt:
		err = p.decryptStream(ctx, dst, src, keyRef)
	default:
		err = fmt.Errorf("unknown transform kind %d", kind)
	}
	if err != nil {
		os.Remove(dstPath)
		return fmt.Errorf("restore %s: %w", artifactPath, err)
	}

	return dst.Sync()
}

func (p *Pipeline) compressStream(ctx context.Context, w io.Writer, r io.Reader, depth int) error {
	lw, err := newLzmaWriter(w, depth)
	if err != nil {
		return err
	}
	if err := copyChunked(ctx, lw, r); err != nil {
		return err
	}
	return lw.Close()
}

func (p *Pipeline) decompressStream(ctx context.Context, w io.Writer, r io.Reader) error {
	lr, err := lzma.NewReader(r)
	if err != nil {
		return fmt.Errorf("lzma reader: %w", err)
	}
	return copyChunked(ctx, w, lr)
}

func newLzmaWriter(w io.Writer, depth int) (*lzma.Writer, error) {
	if depth == 0 {
		lw, err := lzma.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("lzma writer: %w", err)
		}
		return lw, nil
	}
	if depth < 1 {
		depth = 1
	}
	if depth > 9 {
		depth = 9
	}
	// Depth 1..9 maps to 64KiB..16MiB dictionaries.
	cfg := lzma.WriterConfig{DictCap: 1 << (15 + uint(depth))}
	lw, err := cfg.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("lzma writer (depth %d): %w", depth, err)
	}
	return lw, nil
}

// compressChunk compresses one chunk as a standalone LZMA stream, used
// inside the encrypted frame format where each frame must be
// independently recoverable.
func compressChunk(data []byte, depth int) ([]byte, error) {
	var buf bytes.Buffer
	lw, err := newLzmaWriter(&buf, depth)
	if err != nil {
		return nil, err
	}
	if _, err := lw.Write(data); err != nil {
		return nil, err
	}
	if err := lw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressChunk(data []byte) ([]byte, error) {
	lr, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("lzma reader: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(lr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const copyBufSize = 1 << 20

// copyChunked copies r to w in bounded slices, honoring ctx between
// slices so cancellation takes effect at chunk granularity.
func copyChunked(ctx context.Context, w io.Writer, r io.Reader) error {
	buf := make([]byte, copyBufSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func keyRefFor(spec Spec) string {
	if spec.Encrypt {
		return spec.KeyRef
	}
	return ""
}

// checksumWriter tees writes into SHA-256 and counts bytes.
type checksumWriter struct {
	w io.Writer
	h io.Writer
	s interface{ Sum([]byte) []byte }
	n int64
}

func newChecksumWriter(w io.Writer) *checksumWriter {
	h := sha256.New()
	return &checksumWriter{w: w, h: h, s: h}
}

func (cw *checksumWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.h.Write(p[:n])
		cw.n += int64(n)
	}
	return n, err
}

func (cw *checksumWriter) Sum() types.Fingerprint {
	var fp types.Fingerprint
	copy(fp[:], cw.s.Sum(nil))
	return fp
}
