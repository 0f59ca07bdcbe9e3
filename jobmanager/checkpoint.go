package jobmanager

import (
	"sync"

	"icn-core/canon"
	"icn-core/ccid"
	"icn-core/dag"
	"icn-core/identity"
	"icn-core/runtimeerr"
)

type wireCheckpoint struct {
	JobID           []byte
	Executor        string
	Stage           string
	ProgressPercent uint8
	StateCID        []byte
	Signature       []byte
}

func checkpointDigest(c *Checkpoint) ([32]byte, error) {
	return canon.Digest32(struct {
		JobID           []byte
		Executor        string
		Stage           string
		ProgressPercent uint8
		StateCID        []byte
	}{
		JobID:           c.JobID.MarshalBinary(),
		Executor:        c.Executor.String(),
		Stage:           c.Stage,
		ProgressPercent: c.ProgressPercent,
		StateCID:        c.StateCID.MarshalBinary(),
	})
}

// SignCheckpoint signs a checkpoint with signer's key.
func SignCheckpoint(c *Checkpoint, signer identity.Signer) error {
	c.Executor = signer.Principal()
	digest, err := checkpointDigest(c)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

// VerifyCheckpoint checks a checkpoint's signature against the assigned
// executor's key.
func VerifyCheckpoint(c *Checkpoint, expectedExecutor identity.Principal, resolver dag.PubKeyResolver) error {
	if !c.Executor.Equal(expectedExecutor) {
		return runtimeerr.New(runtimeerr.CryptoError, "jobmanager: checkpoint executor does not match assignment")
	}
	pub, ok := resolver.PubKeyFor(c.Executor)
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "jobmanager: unknown checkpoint executor public key")
	}
	digest, err := checkpointDigest(c)
	if err != nil {
		return err
	}
	return identity.Verify(digest[:], c.Signature, pub)
}

// EncodeCheckpoint renders c as DAG block payload bytes.
func EncodeCheckpoint(c *Checkpoint) ([]byte, error) {
	w := wireCheckpoint{
		JobID:           c.JobID.MarshalBinary(),
		Executor:        c.Executor.String(),
		Stage:           c.Stage,
		ProgressPercent: c.ProgressPercent,
		StateCID:        c.StateCID.MarshalBinary(),
		Signature:       c.Signature,
	}
	return canon.Bytes(w)
}

// DecodeCheckpoint parses the bytes produced by EncodeCheckpoint.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	var w wireCheckpoint
	if err := canon.Decode(data, &w); err != nil {
		return nil, err
	}
	jobID, err := ccid.UnmarshalCID(w.JobID)
	if err != nil {
		return nil, err
	}
	stateCID, err := ccid.UnmarshalCID(w.StateCID)
	if err != nil {
		return nil, err
	}
	executor, err := identity.ParseDID(w.Executor)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		JobID:           JobID{jobID},
		Executor:        executor,
		Stage:           w.Stage,
		ProgressPercent: w.ProgressPercent,
		StateCID:        stateCID,
		Signature:       identity.Signature(w.Signature),
	}, nil
}

type wirePartialOutput struct {
	JobID     []byte
	Executor  string
	Stage     string
	OutputCID []byte
	Signature []byte
}

func partialOutputDigest(p *PartialOutput) ([32]byte, error) {
	return canon.Digest32(struct {
		JobID     []byte
		Executor  string
		Stage     string
		OutputCID []byte
	}{
		JobID:     p.JobID.MarshalBinary(),
		Executor:  p.Executor.String(),
		Stage:     p.Stage,
		OutputCID: p.OutputCID.MarshalBinary(),
	})
}

// SignPartialOutput signs a partial output marker with signer's key.
func SignPartialOutput(p *PartialOutput, signer identity.Signer) error {
	p.Executor = signer.Principal()
	digest, err := partialOutputDigest(p)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// VerifyPartialOutput checks a partial output's signature against the
// assigned executor's key.
func VerifyPartialOutput(p *PartialOutput, expectedExecutor identity.Principal, resolver dag.PubKeyResolver) error {
	if !p.Executor.Equal(expectedExecutor) {
		return runtimeerr.New(runtimeerr.CryptoError, "jobmanager: partial output executor does not match assignment")
	}
	pub, ok := resolver.PubKeyFor(p.Executor)
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "jobmanager: unknown partial output executor public key")
	}
	digest, err := partialOutputDigest(p)
	if err != nil {
		return err
	}
	return identity.Verify(digest[:], p.Signature, pub)
}

// EncodePartialOutput renders p as DAG block payload bytes.
func EncodePartialOutput(p *PartialOutput) ([]byte, error) {
	w := wirePartialOutput{
		JobID:     p.JobID.MarshalBinary(),
		Executor:  p.Executor.String(),
		Stage:     p.Stage,
		OutputCID: p.OutputCID.MarshalBinary(),
		Signature: p.Signature,
	}
	return canon.Bytes(w)
}

// DecodePartialOutput parses the bytes produced by EncodePartialOutput.
func DecodePartialOutput(data []byte) (*PartialOutput, error) {
	var w wirePartialOutput
	if err := canon.Decode(data, &w); err != nil {
		return nil, err
	}
	jobID, err := ccid.UnmarshalCID(w.JobID)
	if err != nil {
		return nil, err
	}
	outputCID, err := ccid.UnmarshalCID(w.OutputCID)
	if err != nil {
		return nil, err
	}
	executor, err := identity.ParseDID(w.Executor)
	if err != nil {
		return nil, err
	}
	return &PartialOutput{
		JobID:     JobID{jobID},
		Executor:  executor,
		Stage:     w.Stage,
		OutputCID: outputCID,
		Signature: identity.Signature(w.Signature),
	}, nil
}

// CheckpointTracker records the latest checkpoint seen per job in memory,
// backing the latest_checkpoint(job) accessor. It does not itself persist to the DAG; callers that want
// durability wrap each accepted checkpoint in a DAG block the same way
// Manager does for lifecycle transitions.
type CheckpointTracker struct {
	mu     sync.Mutex
	latest map[string]Checkpoint
}

// NewCheckpointTracker returns an empty tracker.
func NewCheckpointTracker() *CheckpointTracker {
	return &CheckpointTracker{latest: make(map[string]Checkpoint)}
}

// Record stores c as the latest checkpoint for its job, after verifying its
// signature against expectedExecutor. Out-of-order checkpoints (lower
// progress than the stored one) are rejected so latest_checkpoint never
// regresses.
func (t *CheckpointTracker) Record(c Checkpoint, expectedExecutor identity.Principal, resolver dag.PubKeyResolver) error {
	if err := VerifyCheckpoint(&c, expectedExecutor, resolver); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := c.JobID.String()
	if cur, ok := t.latest[key]; ok && cur.ProgressPercent > c.ProgressPercent {
		return runtimeerr.New(runtimeerr.InvalidInput, "jobmanager: checkpoint regresses progress")
	}
	t.latest[key] = c
	return nil
}

// Latest returns the most recent checkpoint recorded for id, if any.
func (t *CheckpointTracker) Latest(id JobID) (Checkpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.latest[id.String()]
	return c, ok
}
