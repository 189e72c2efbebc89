package transform

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	chunker "github.com/ipfs/boxo/chunker"
	"golang.org/x/crypto/hkdf"
)

// Encrypted artifact layout:
//
//	magic "FHA1" | version (1) | flags (1) | salt (16)
//	then per chunk: uvarint frame length | nonce (12) | GCM ciphertext
//
// Chunk boundaries come from the buzhash content-defined chunker, so
// frames stay within its chunk size bounds and memory stays flat.
// Each chunk is sealed independently; when the compress flag is set
// the chunk is LZMA-compressed before sealing.

var artifactMagic = [4]byte{'F', 'H', 'A', '1'}

const (
	artifactVersion = 1

	flagCompressed = 1 << 0

	saltSize     = 16
	gcmNonceSize = 12

	// maxFrameSize guards frame-length decoding against corrupt or
	// hostile headers. Buzhash chunks top out well below this.
	maxFrameSize = 8 << 20

	hkdfInfo = "filehive/artifact/v1"
)

func (p *Pipeline) encryptStream(ctx context.Context, w io.Writer, r io.Reader, spec Spec) error {
	if p.keys == nil {
		return ErrNoKeyProvider
	}
	if spec.Cipher != CipherAES256 {
		return fmt.Errorf("transform: unsupported cipher %d", spec.Cipher)
	}

	material, err := p.keys.Resolve(ctx, spec.KeyRef)
	if err != nil {
		return fmt.Errorf("resolve key %q: %w", spec.KeyRef, err)
	}

	var salt [saltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	aead, err := deriveAEAD(material, salt[:])
	if err != nil {
		return err
	}

	var flags byte
	if spec.Compress {
		flags |= flagCompressed
	}

	header := make([]byte, 0, 4+2+saltSize)
	header = append(header, artifactMagic[:]...)
	header = append(header, artifactVersion, flags)
	header = append(header, salt[:]...)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	bz := chunker.NewBuzhash(r)
	var lenBuf [binary.MaxVarintLen64]byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := bz.NextBytes()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read chunk: %w", err)
		}

		plain := chunk
		if spec.Compress {
			plain, err = compressChunk(chunk, spec.CompressionDepth)
			if err != nil {
				return fmt.Errorf("compress chunk: %w", err)
			}
		}

		nonce := make([]byte, gcmNonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("generate nonce: %w", err)
		}
		sealed := aead.Seal(nil, nonce, plain, nil)

		frameLen := len(nonce) + len(sealed)
		n := binary.PutUvarint(lenBuf[:], uint64(frameLen))
		if _, err := w.Write(lenBuf[:n]); err != nil {
			return fmt.Errorf("write frame length: %w", err)
		}
		if _, err := w.Write(nonce); err != nil {
			return fmt.Errorf("write nonce: %w", err)
		}
		if _, err := w.Write(sealed); err != nil {
			return fmt.Errorf("write sealed chunk: %w", err)
		}
	}
}

func (p *Pipeline) decryptStream(ctx context.Context, w io.Writer, r io.Reader, keyRef string) error {
	if p.keys == nil {
		return ErrNoKeyProvider
	}

	br := bufio.NewReader(r)

	header := make([]byte, 4+2+saltSize)
	if _, err := io.ReadFull(br, header); err != nil {
		return fmt.Errorf("%w: short header", ErrCorruptFrame)
	}
	if [4]byte(header[:4]) != artifactMagic {
		return fmt.Errorf("%w: bad magic", ErrCorruptFrame)
	}
	if header[4] != artifactVersion {
		return fmt.Errorf("transform: unsupported artifact version %d", header[4])
	}
	flags := header[5]
	salt := header[6:]

	material, err := p.keys.Resolve(ctx, keyRef)
	if err != nil {
		return fmt.Errorf("resolve key %q: %w", keyRef, err)
	}
	aead, err := deriveAEAD(material, salt)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frameLen, err := binary.ReadUvarint(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: frame length", ErrCorruptFrame)
		}
		if frameLen < gcmNonceSize || frameLen > maxFrameSize {
			return fmt.Errorf("%w: frame length %d out of range", ErrCorruptFrame, frameLen)
		}

		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(br, frame); err != nil {
			return fmt.Errorf("%w: short frame", ErrCorruptFrame)
		}

		plain, err := aead.Open(nil, frame[:gcmNonceSize], frame[gcmNonceSize:], nil)
		if err != nil {
			return fmt.Errorf("open sealed chunk: %w", err)
		}

		if flags&flagCompressed != 0 {
			plain, err = decompressChunk(plain)
			if err != nil {
				return fmt.Errorf("decompress chunk: %w", err)
			}
		}

		if _, err := w.Write(plain); err != nil {
			return err
		}
	}
}

// deriveAEAD turns resolved key material into a per-artifact AES-256
// key via HKDF-SHA256 with the artifact salt. The same handle never
// yields the same data key twice.
func deriveAEAD(material, salt []byte) (cipher.AEAD, error) {
	if len(material) == 0 {
		return nil, fmt.Errorf("transform: key provider returned empty material")
	}
	kdf := hkdf.New(sha256.New, material, salt, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init AES: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}
	return aead, nil
}
