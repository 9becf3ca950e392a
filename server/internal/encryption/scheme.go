package encryption

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// Scheme identifies how an encrypted artifact was produced. It is determined
// from the artifact's content, never from its file name.
type Scheme int

const (
	SchemeUnknown Scheme = iota
	// SchemeKMSRaw is remote ciphertext stored as-is.
	SchemeKMSRaw
	// SchemeKMSBase64 is base64 remote ciphertext without a header.
	SchemeKMSBase64
	// SchemeKMSEnvelope is the current format: base64 of a versioned header
	// followed by remote ciphertext.
	SchemeKMSEnvelope
	// SchemeKeyringArmored is ASCII-armored local keyring ciphertext.
	SchemeKeyringArmored
)

func (s Scheme) String() string {
	switch s {
	case SchemeKMSRaw:
		return "kms-raw"
	case SchemeKMSBase64:
		return "kms-base64"
	case SchemeKMSEnvelope:
		return "kms-envelope"
	case SchemeKeyringArmored:
		return "keyring-armored"
	default:
		return "unknown"
	}
}

// Envelope layout, before base64:
//
//	"KAWS" | version (1 byte) | algorithm (1 byte) | key id length (uint16 BE) | key id | ciphertext
const (
	envelopeVersion    = 0x01
	algorithmRemoteKMS = 0x01
)

var envelopeMagic = []byte("KAWS")

const envelopeHeaderSize = 4 + 1 + 1 + 2

var armorHeader = []byte("-----BEGIN PGP MESSAGE-----")

// Artifact is a decoded encrypted file.
type Artifact struct {
	Scheme Scheme
	// KeyID is the master key id recorded at encryption time. It is only known
	// for envelope artifacts.
	KeyID      string
	Ciphertext []byte
}

// EncodeEnvelope produces the on-disk form of remote ciphertext: standard
// base64 text of the envelope.
func EncodeEnvelope(keyID string, ciphertext []byte) ([]byte, error) {
	if len(keyID) > 0xffff {
		return nil, fmt.Errorf("key id is too long: %d bytes", len(keyID))
	}
	raw := make([]byte, 0, envelopeHeaderSize+len(keyID)+len(ciphertext))
	raw = append(raw, envelopeMagic...)
	raw = append(raw, envelopeVersion, algorithmRemoteKMS)
	raw = binary.BigEndian.AppendUint16(raw, uint16(len(keyID)))
	raw = append(raw, keyID...)
	raw = append(raw, ciphertext...)

	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// DecodeArtifact identifies the scheme of data and extracts its ciphertext.
func DecodeArtifact(data []byte) (Artifact, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Artifact{}, fmt.Errorf("%w: artifact is empty", ErrUnknownScheme)
	}
	if bytes.HasPrefix(trimmed, armorHeader) {
		return Artifact{Scheme: SchemeKeyringArmored, Ciphertext: trimmed}, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err != nil {
		return Artifact{Scheme: SchemeKMSRaw, Ciphertext: data}, nil
	}
	if !bytes.HasPrefix(decoded, envelopeMagic) {
		return Artifact{Scheme: SchemeKMSBase64, Ciphertext: decoded}, nil
	}
	return decodeEnvelope(decoded)
}

func decodeEnvelope(raw []byte) (Artifact, error) {
	if len(raw) < envelopeHeaderSize {
		return Artifact{}, fmt.Errorf("%w: envelope header is truncated", ErrUnknownScheme)
	}
	if v := raw[4]; v != envelopeVersion {
		return Artifact{}, fmt.Errorf("%w: unsupported envelope version %d", ErrUnknownScheme, v)
	}
	if a := raw[5]; a != algorithmRemoteKMS {
		return Artifact{}, fmt.Errorf("%w: unsupported envelope algorithm %d", ErrUnknownScheme, a)
	}
	n := int(binary.BigEndian.Uint16(raw[6:8]))
	if len(raw) < envelopeHeaderSize+n {
		return Artifact{}, fmt.Errorf("%w: envelope key id is truncated", ErrUnknownScheme)
	}
	return Artifact{
		Scheme:     SchemeKMSEnvelope,
		KeyID:      string(raw[envelopeHeaderSize : envelopeHeaderSize+n]),
		Ciphertext: raw[envelopeHeaderSize+n:],
	}, nil
}
