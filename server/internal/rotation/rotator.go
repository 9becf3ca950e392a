package rotation

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/kaws-project/kaws/server/internal/encryption"
	"github.com/kaws-project/kaws/server/internal/filesystem"
)

// ErrVerificationFailed is returned when freshly written ciphertext does not
// decrypt to the original plaintext under the new key.
var ErrVerificationFailed = errors.New("rotated ciphertext failed verification")

// ErrUnexpectedKey is returned when an artifact is encrypted under neither
// the old nor the new key of a rotation.
var ErrUnexpectedKey = errors.New("artifact is encrypted under an unexpected key")

// ErrLedgerMismatch is returned when an unfinished rotation between a
// different pair of keys is recorded in the ledger.
var ErrLedgerMismatch = errors.New("an unfinished rotation with different keys exists")

const (
	rotatingSuffix = ".rotating"
	previousSuffix = ".previous"
)

// Encryptor is the part of encryption.Encryptor used by rotation.
type Encryptor interface {
	Decrypt(ctx context.Context, data []byte) (*encryption.Plaintext, error)
	EncryptWithKey(ctx context.Context, keyID string, plaintext []byte) ([]byte, error)
}

type Secret struct {
	Name string
	Path string
}

type Plan struct {
	// FromKeyID is the key the secrets are expected to be under. When empty,
	// any source key is accepted.
	FromKeyID string
	ToKeyID   string
	Secrets   []Secret
	// KeepPrevious keeps a copy of each replaced artifact at
	// <path>.previous.
	KeepPrevious bool
}

func (p Plan) validate() error {
	var errs []error
	if p.ToKeyID == "" {
		errs = append(errs, errors.New("a destination key id is required"))
	}
	if p.FromKeyID != "" && p.FromKeyID == p.ToKeyID {
		errs = append(errs, fmt.Errorf("source and destination key are both %q", p.ToKeyID))
	}
	if len(p.Secrets) == 0 {
		errs = append(errs, errors.New("no secrets to rotate"))
	}
	seen := map[string]bool{}
	for _, s := range p.Secrets {
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("secret %q is listed twice", s.Name))
		}
		seen[s.Name] = true
	}
	return errors.Join(errs...)
}

type Result struct {
	ID string
	// Rotated lists secrets that were re-encrypted by this run.
	Rotated []string
	// Skipped lists secrets that were already committed by an earlier run or
	// were already under the destination key.
	Skipped []string
	// Secrets lists every secret recorded for the rotation, including those
	// from earlier runs of it.
	Secrets []string
	// Pending lists secrets of the recorded rotation that were outside the
	// plan and still need rotating. The ledger is kept while any remain.
	Pending []string
}

// Complete reports whether every secret of the rotation is committed.
func (r *Result) Complete() bool {
	return len(r.Pending) == 0
}

// Rotator re-encrypts a set of artifacts under a new master key, one at a
// time. Every artifact stays decryptable at every point: each one is
// replaced by a rename only after its new ciphertext has been verified.
type Rotator struct {
	enc    Encryptor
	fs     afero.Fs
	ledger Ledger
	logger zerolog.Logger
	now    func() time.Time
}

func NewRotator(enc Encryptor, fs afero.Fs, ledger Ledger, logger zerolog.Logger) *Rotator {
	return &Rotator{
		enc:    enc,
		fs:     fs,
		ledger: ledger,
		logger: logger.With().Str("component", "rotator").Logger(),
		now:    time.Now,
	}
}

// Rotate runs plan, resuming an unfinished rotation between the same keys if
// the ledger has one. The ledger is removed once every secret is committed.
func (r *Rotator) Rotate(ctx context.Context, plan Plan) (*Result, error) {
	if err := plan.validate(); err != nil {
		return nil, fmt.Errorf("invalid rotation plan: %w", err)
	}

	record, err := r.begin(ctx, plan)
	if err != nil {
		return nil, err
	}
	logger := r.logger.With().
		Str("rotation_id", record.ID).
		Str("from_key_id", plan.FromKeyID).
		Str("to_key_id", plan.ToKeyID).
		Logger()

	result := &Result{ID: record.ID}
	for _, s := range record.Secrets {
		result.Secrets = append(result.Secrets, s.Name)
	}
	for _, secret := range plan.Secrets {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		state := record.secret(secret.Name)
		if state.Committed() {
			logger.Info().Str("secret", secret.Name).Msg("already committed, skipping")
			result.Skipped = append(result.Skipped, secret.Name)
			continue
		}

		rotated, err := r.rotateSecret(ctx, plan, secret)
		if err != nil {
			return result, fmt.Errorf("failed to rotate %q: %w", secret.Name, err)
		}
		if rotated {
			result.Rotated = append(result.Rotated, secret.Name)
		} else {
			result.Skipped = append(result.Skipped, secret.Name)
		}

		committedAt := r.now().UTC()
		state.CommittedAt = &committedAt
		if err := r.ledger.Save(ctx, record); err != nil {
			return result, fmt.Errorf("failed to record %q as committed: %w", secret.Name, err)
		}
		logger.Info().Str("secret", secret.Name).Bool("rotated", rotated).Msg("committed")
	}

	// A plan narrowed to some secrets leaves the others pending. The record
	// stays until every secret it lists is committed.
	if result.Pending = record.Pending(); len(result.Pending) > 0 {
		logger.Info().
			Strs("pending", result.Pending).
			Msg("rotation incomplete, other secrets are still pending")
		return result, nil
	}
	if err := r.ledger.Delete(ctx); err != nil {
		return result, err
	}
	logger.Info().
		Int("rotated", len(result.Rotated)).
		Int("skipped", len(result.Skipped)).
		Msg("rotation complete")
	return result, nil
}

// Status returns the unfinished rotation, or nil if there is none.
func (r *Rotator) Status(ctx context.Context) (*Record, error) {
	return r.ledger.Load(ctx)
}

// Reset discards an unfinished rotation. Artifacts that were already rotated
// stay under the new key.
func (r *Rotator) Reset(ctx context.Context) error {
	return r.ledger.Delete(ctx)
}

func (r *Rotator) begin(ctx context.Context, plan Plan) (*Record, error) {
	record, err := r.ledger.Load(ctx)
	if err != nil {
		return nil, err
	}
	if record != nil {
		if record.FromKeyID != plan.FromKeyID || record.ToKeyID != plan.ToKeyID {
			return nil, fmt.Errorf("%w: %s (%q to %q)", ErrLedgerMismatch, record.ID, record.FromKeyID, record.ToKeyID)
		}
		r.logger.Info().
			Str("rotation_id", record.ID).
			Strs("pending", record.Pending()).
			Msg("resuming rotation")
	} else {
		record = &Record{
			ID:        uuid.NewString(),
			FromKeyID: plan.FromKeyID,
			ToKeyID:   plan.ToKeyID,
			StartedAt: r.now().UTC(),
		}
	}

	for _, s := range plan.Secrets {
		if record.secret(s.Name) == nil {
			record.Secrets = append(record.Secrets, &SecretState{Name: s.Name, Path: s.Path})
		}
	}
	if err := r.ledger.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save rotation ledger: %w", err)
	}
	return record, nil
}

// rotateSecret re-encrypts one artifact. It returns false if the artifact was
// already under the destination key.
func (r *Rotator) rotateSecret(ctx context.Context, plan Plan, secret Secret) (bool, error) {
	original, err := afero.ReadFile(r.fs, secret.Path)
	if err != nil {
		return false, fmt.Errorf("%w: failed to read %q: %w", encryption.ErrIO, secret.Path, err)
	}
	info, err := r.fs.Stat(secret.Path)
	if err != nil {
		return false, fmt.Errorf("%w: failed to stat %q: %w", encryption.ErrIO, secret.Path, err)
	}

	plaintext, err := r.enc.Decrypt(ctx, original)
	if err != nil {
		return false, err
	}
	defer plaintext.Zero()

	// Only envelope artifacts record the key they were written under. The
	// remote service may report a legacy artifact's key in another form,
	// such as an ARN, so legacy artifacts are always rotated.
	if plaintext.Scheme == encryption.SchemeKMSEnvelope {
		switch {
		case plaintext.KeyID == plan.ToKeyID:
			return false, nil
		case plan.FromKeyID != "" && plaintext.KeyID != plan.FromKeyID:
			return false, fmt.Errorf("%w: %q", ErrUnexpectedKey, plaintext.KeyID)
		}
	}

	fresh, err := r.enc.EncryptWithKey(ctx, plan.ToKeyID, plaintext.Data)
	if err != nil {
		return false, err
	}
	if err := r.verify(ctx, plan.ToKeyID, fresh, plaintext.Data); err != nil {
		return false, err
	}

	rotating := secret.Path + rotatingSuffix
	if err := filesystem.WriteFileSynced(r.fs, rotating, fresh, info.Mode().Perm()); err != nil {
		_ = r.fs.Remove(rotating)
		if errors.Is(err, filesystem.ErrReadBackMismatch) {
			return false, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
		}
		return false, fmt.Errorf("%w: %w", encryption.ErrIO, err)
	}
	if plan.KeepPrevious {
		if err := filesystem.CopyFile(r.fs, secret.Path, secret.Path+previousSuffix); err != nil {
			_ = r.fs.Remove(rotating)
			return false, fmt.Errorf("%w: %w", encryption.ErrIO, err)
		}
	}
	if err := r.fs.Rename(rotating, secret.Path); err != nil {
		_ = r.fs.Remove(rotating)
		return false, fmt.Errorf("%w: failed to replace %q: %w", encryption.ErrIO, secret.Path, err)
	}
	return true, nil
}

func (r *Rotator) verify(ctx context.Context, keyID string, ciphertext, expected []byte) error {
	check, err := r.enc.Decrypt(ctx, ciphertext)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	defer check.Zero()

	if check.KeyID != keyID {
		return fmt.Errorf("%w: decrypted under %q", ErrVerificationFailed, check.KeyID)
	}
	if subtle.ConstantTimeCompare(check.Data, expected) != 1 {
		return fmt.Errorf("%w: plaintext differs", ErrVerificationFailed)
	}
	return nil
}

// Secrets returns the plan entries whose names are in names, in the order of
// all. Unknown names are reported as an error.
func Secrets(all []Secret, names ...string) ([]Secret, error) {
	if len(names) == 0 {
		return all, nil
	}
	var out []Secret
	for _, s := range all {
		if slices.Contains(names, s.Name) {
			out = append(out, s)
		}
	}
	if len(out) != len(names) {
		return nil, fmt.Errorf("unknown secret in %v", names)
	}
	return out, nil
}
