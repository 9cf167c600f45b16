// Package aesbridge implements the AES envelope subprocess bridge (C6): it
// serializes batched dist_enc / dist_dec jobs to the external AES-GCM MPC
// binary over stdin/stdout JSON.
//
// Grounded on original_source/mpc/rep3aes.py for the subprocess invocation
// shape (json.dumps to stdin, json.loads from stdout, non-zero exit is
// fatal) and on key_share.py's prepare_params_for_dist_enc for nonce
// derivation; generalized to the batched, key-schedule-aware jobs spec.md
// §4.6 requires.
package aesbridge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/summitto/heartbeat-compute-party/internal/sharescodec"
	"github.com/summitto/heartbeat-compute-party/internal/taskerr"
)

const (
	keyShareLen    = 16
	keyScheduleLen = 176
)

// Bridge invokes the external MPC-AES binary.
type Bridge struct {
	bin        string
	configPath string
}

// New constructs a Bridge around the binary at bin, configured with the
// TOML file at configPath.
func New(bin, configPath string) *Bridge {
	return &Bridge{bin: bin, configPath: configPath}
}

// Job is one unit of key material plus its associated message, shared by
// both encrypt and decrypt jobs.
type Job struct {
	UserID            string
	KeyShare          []byte // 16 bytes, mutually exclusive with KeyScheduleShare
	KeyScheduleShare  []byte // 176 bytes
}

func (j Job) isScheduleShare() bool {
	return len(j.KeyScheduleShare) == keyScheduleLen
}

// EncryptJob is one dist_enc unit: a replicated message share to encrypt
// under a deterministically derived nonce.
type EncryptJob struct {
	Job
	ComputationID string
	AnalysisType  string
	MessageShare  []sharescodec.Pair
}

// EncryptResult is the outcome of one EncryptJob.
type EncryptResult struct {
	Ciphertext []byte
	Err        error
}

// DecryptJob is one dist_dec unit: an AES-GCM ciphertext to decrypt into a
// replicated plaintext share.
type DecryptJob struct {
	Job
	// TransportCiphertext is nonce(12) || ciphertext || tag, the Sample
	// wire format from spec.md §3.
	TransportCiphertext []byte
}

// DecryptResult is the outcome of one DecryptJob. TagErr is set (with Err
// nil) when AES-GCM authentication failed -- distinct from an internal/
// subprocess error.
type DecryptResult struct {
	MessageShare []sharescodec.Pair
	TagErr       bool
	Err          error
}

type wireJob struct {
	Nonce             string      `json:"nonce"`
	AssociatedData    string      `json:"associated_data"`
	MessageShare      [][2]uint64 `json:"message_share,omitempty"`
	Ciphertext        string      `json:"ciphertext,omitempty"`
	KeyShare          string      `json:"key_share,omitempty"`
	KeyScheduleShare  string      `json:"key_schedule_share,omitempty"`
}

type wireResult struct {
	Ciphertext   string      `json:"ciphertext"`
	MessageShare [][2]uint64 `json:"message_share"`
	TagError     *string     `json:"tag_error"`
	Error        string      `json:"error"`
}

// PrepareEncParams derives the deterministic nonce and associated data for
// one dist_enc job, exactly per key_share.py's prepare_params_for_dist_enc:
// nonce = first 12 bytes of SHA-256(user_id || party_keys_DER ||
// computation_id || analysis_type); associated_data is the full preimage.
func PrepareEncParams(userID string, partyKeysDER []byte, computationID, analysisType string) (nonce, associatedData []byte) {
	preimage := make([]byte, 0, len(userID)+len(partyKeysDER)+len(computationID)+len(analysisType))
	preimage = append(preimage, userID...)
	preimage = append(preimage, partyKeysDER...)
	preimage = append(preimage, computationID...)
	preimage = append(preimage, analysisType...)

	sum := sha256.Sum256(preimage)
	return sum[:12], preimage
}

// EncryptBatch runs dist_enc over jobs. Batching rule: jobs are batched into
// one subprocess invocation only if every job carries a 176-byte key
// schedule share. A job carrying a 16-byte key share is dispatched alone
// (the external binary only supports key-schedule sharing in batched mode).
// Mixing the two kinds within one call is rejected.
func (b *Bridge) EncryptBatch(ctx context.Context, partyKeysDER []byte, jobs []EncryptJob) ([]EncryptResult, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	allScheduled := true
	anyScheduled := false
	for _, j := range jobs {
		if j.isScheduleShare() {
			anyScheduled = true
		} else {
			allScheduled = false
		}
	}
	if anyScheduled && !allScheduled {
		return nil, taskerr.Infra(500, "aesbridge: mixed key-share and key-schedule jobs in one dist_enc batch")
	}

	if allScheduled && len(jobs) > 1 {
		return b.runEncrypt(ctx, partyKeysDER, jobs)
	}

	// One-at-a-time dispatch for plain 16-byte key shares.
	results := make([]EncryptResult, 0, len(jobs))
	for _, j := range jobs {
		r, err := b.runEncrypt(ctx, partyKeysDER, []EncryptJob{j})
		if err != nil {
			return nil, err
		}
		results = append(results, r...)
	}
	return results, nil
}

func (b *Bridge) runEncrypt(ctx context.Context, partyKeysDER []byte, jobs []EncryptJob) ([]EncryptResult, error) {
	wire := make([]wireJob, len(jobs))
	for i, j := range jobs {
		nonce, ad := PrepareEncParams(j.UserID, partyKeysDER, j.ComputationID, j.AnalysisType)
		wj := wireJob{
			Nonce:          hex.EncodeToString(nonce),
			AssociatedData: hex.EncodeToString(ad),
			MessageShare:   flattenPairs(j.MessageShare),
		}
		if j.isScheduleShare() {
			wj.KeyScheduleShare = hex.EncodeToString(j.KeyScheduleShare)
		} else {
			wj.KeyShare = hex.EncodeToString(j.KeyShare)
		}
		wire[i] = wj
	}

	out, err := b.invoke(ctx, "encrypt", wire)
	if err != nil {
		return nil, err
	}
	if len(out) != len(jobs) {
		return nil, taskerr.Infra(500, "aesbridge: expected %d encrypt results, got %d", len(jobs), len(out))
	}

	results := make([]EncryptResult, len(out))
	for i, r := range out {
		if r.Error != "" {
			results[i] = EncryptResult{Err: taskerr.Infra(500, "dist_enc failed: %s", r.Error)}
			continue
		}
		ct, err := hex.DecodeString(r.Ciphertext)
		if err != nil {
			results[i] = EncryptResult{Err: taskerr.Infra(500, "dist_enc: decoding ciphertext: %v", err)}
			continue
		}
		results[i] = EncryptResult{Ciphertext: ct}
	}
	return results, nil
}

// DecryptBatch runs dist_dec over jobs, applying the same batching rule as
// EncryptBatch.
func (b *Bridge) DecryptBatch(ctx context.Context, jobs []DecryptJob) ([]DecryptResult, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	allScheduled := true
	anyScheduled := false
	for _, j := range jobs {
		if j.isScheduleShare() {
			anyScheduled = true
		} else {
			allScheduled = false
		}
	}
	if anyScheduled && !allScheduled {
		return nil, taskerr.Infra(500, "aesbridge: mixed key-share and key-schedule jobs in one dist_dec batch")
	}

	if allScheduled && len(jobs) > 1 {
		return b.runDecrypt(ctx, jobs)
	}

	results := make([]DecryptResult, 0, len(jobs))
	for _, j := range jobs {
		r, err := b.runDecrypt(ctx, []DecryptJob{j})
		if err != nil {
			return nil, err
		}
		results = append(results, r...)
	}
	return results, nil
}

func (b *Bridge) runDecrypt(ctx context.Context, jobs []DecryptJob) ([]DecryptResult, error) {
	wire := make([]wireJob, len(jobs))
	for i, j := range jobs {
		if len(j.TransportCiphertext) < 12 {
			return nil, taskerr.Infra(500, "aesbridge: transport ciphertext shorter than nonce")
		}
		nonce := j.TransportCiphertext[:12]
		ad := append([]byte(j.UserID), nonce...)
		wj := wireJob{
			Nonce:          hex.EncodeToString(nonce),
			AssociatedData: hex.EncodeToString(ad),
			Ciphertext:     hex.EncodeToString(j.TransportCiphertext[12:]),
		}
		if j.isScheduleShare() {
			wj.KeyScheduleShare = hex.EncodeToString(j.KeyScheduleShare)
		} else {
			wj.KeyShare = hex.EncodeToString(j.KeyShare)
		}
		wire[i] = wj
	}

	out, err := b.invoke(ctx, "decrypt", wire)
	if err != nil {
		return nil, err
	}
	if len(out) != len(jobs) {
		return nil, taskerr.Infra(500, "aesbridge: expected %d decrypt results, got %d", len(jobs), len(out))
	}

	results := make([]DecryptResult, len(out))
	for i, r := range out {
		switch {
		case r.Error != "":
			results[i] = DecryptResult{Err: taskerr.Infra(500, "dist_dec failed: %s", r.Error)}
		case r.TagError != nil:
			results[i] = DecryptResult{TagErr: true}
		default:
			results[i] = DecryptResult{MessageShare: unflattenPairs(r.MessageShare)}
		}
	}
	return results, nil
}

// invoke runs the external binary with the given mode ("encrypt" or
// "decrypt"), feeding the JSON-encoded jobs on stdin and parsing a JSON
// array of results from stdout. A non-zero exit is fatal for the batch.
func (b *Bridge) invoke(ctx context.Context, mode string, jobs []wireJob) ([]wireResult, error) {
	input, err := json.Marshal(jobs)
	if err != nil {
		return nil, fmt.Errorf("aesbridge: marshaling jobs: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.bin, "--config", b.configPath, mode, "--mode", "AES-GCM-128")
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, taskerr.Infra(500, "aesbridge: %s exited with error: %v (stderr: %s)", b.bin, err, stderr.String())
	}

	var out []wireResult
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, taskerr.Infra(500, "aesbridge: decoding %s output: %v", b.bin, err)
	}
	return out, nil
}

func flattenPairs(pairs []sharescodec.Pair) [][2]uint64 {
	out := make([][2]uint64, len(pairs))
	for i, p := range pairs {
		out[i] = [2]uint64{p[0], p[1]}
	}
	return out
}

func unflattenPairs(pairs [][2]uint64) []sharescodec.Pair {
	out := make([]sharescodec.Pair, len(pairs))
	for i, p := range pairs {
		out[i] = sharescodec.Pair{p[0], p[1]}
	}
	return out
}
