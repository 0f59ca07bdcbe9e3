package jobmanager

import (
	"icn-core/canon"
	"icn-core/ccid"
	"icn-core/dag"
	"icn-core/identity"
	"icn-core/runtimeerr"
)

// canonical projections used for CID derivation and signing. Kept
// side-by-side with the richer public types (types.go) so that RLP's
// stable-field-order encoding only ever sees plain, exported-field structs.

type canonicalJobID struct {
	ManifestCID []byte
	Spec        []byte
	Creator     string
}

// jobID derives JobId = cid(manifest_cid || spec_bytes || creator)
// deterministically across nodes.
func jobID(manifestCID ccid.CID, specBytes []byte, creator identity.Principal) (JobID, error) {
	b, err := canon.Bytes(canonicalJobID{
		ManifestCID: manifestCID.MarshalBinary(),
		Spec:        specBytes,
		Creator:     creator.String(),
	})
	if err != nil {
		return JobID{}, err
	}
	return JobID{ccid.Of(ccid.CodecJob, b)}, nil
}

type canonicalJob struct {
	ID          []byte
	ManifestCID []byte
	Spec        []byte
	Creator     string
	CostCredits uint64
	MaxWaitMS   uint64
}

func jobDigest(j *Job, specBytes []byte) ([32]byte, error) {
	return canon.Digest32(canonicalJob{
		ID:          j.ID.MarshalBinary(),
		ManifestCID: j.ManifestCID.MarshalBinary(),
		Spec:        specBytes,
		Creator:     j.Creator.String(),
		CostCredits: j.CostCredits,
		MaxWaitMS:   j.MaxWaitMS,
	})
}

type canonicalBid struct {
	JobID        []byte
	Executor     string
	PriceCredits uint64
	CPU          uint64
	MemMB        uint64
	StorageMB    uint64
	Capabilities []string
	Federations  []string
	TrustScope   string
	// RLP rejects signed integers; the digest covers the unix timestamp as
	// uint64.
	Timestamp uint64
}

func bidDigest(b *Bid) ([32]byte, error) {
	return canon.Digest32(canonicalBid{
		JobID:        b.JobID.MarshalBinary(),
		Executor:     b.Executor.String(),
		PriceCredits: b.PriceCredits,
		CPU:          b.Resources.CPU,
		MemMB:        b.Resources.MemMB,
		StorageMB:    b.Resources.StorageMB,
		Capabilities: b.Capabilities,
		Federations:  b.Federations,
		TrustScope:   b.TrustScope,
		Timestamp:    uint64(b.Timestamp),
	})
}

type canonicalReceipt struct {
	JobID        []byte
	Executor     string
	ResultCID    []byte
	CPUMs        uint64
	MemoryPeakKB uint64
	ExitStatus   uint32
}

func receiptDigest(r *ExecutionReceipt) ([32]byte, error) {
	return canon.Digest32(canonicalReceipt{
		JobID:        r.JobID.MarshalBinary(),
		Executor:     r.Executor.String(),
		ResultCID:    r.ResultCID.MarshalBinary(),
		CPUMs:        r.CPUMs,
		MemoryPeakKB: r.MemoryPeakKB,
		ExitStatus:   uint32(r.ExitStatus),
	})
}

// SignJob signs a job with its creator's key and sets Creator to the
// signer's principal; jobID derivation and SignJob both cover ManifestCID and
// Spec, so a job's ID is stable once signed.
func SignJob(j *Job, signer identity.Signer) error {
	specBytes, err := encodeSpecBytes(j.Spec)
	if err != nil {
		return err
	}
	id, err := jobID(j.ManifestCID, specBytes, signer.Principal())
	if err != nil {
		return err
	}
	j.Creator = signer.Principal()
	j.ID = id
	digest, err := jobDigest(j, specBytes)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return err
	}
	j.Signature = sig
	return nil
}

// SignBid signs a bid with signer's key, deriving the Executor principal
// from the signer.
func SignBid(b *Bid, signer identity.Signer) error {
	b.Executor = signer.Principal()
	digest, err := bidDigest(b)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return err
	}
	b.Signature = sig
	return nil
}

// SignReceipt signs a receipt with signer's key.
func SignReceipt(r *ExecutionReceipt, signer identity.Signer) error {
	r.Executor = signer.Principal()
	digest, err := receiptDigest(r)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// VerifyReceipt checks a receipt's signature against the executor recorded
// in the winning assignment:
// the signature must verify under the assigned executor's key, and the
// receipt must actually claim to be from that executor.
func VerifyReceipt(r *ExecutionReceipt, expectedExecutor identity.Principal, resolver dag.PubKeyResolver) error {
	if !r.Executor.Equal(expectedExecutor) {
		return runtimeerr.New(runtimeerr.CryptoError, "jobmanager: receipt executor does not match assignment")
	}
	pub, ok := resolver.PubKeyFor(r.Executor)
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "jobmanager: unknown receipt executor public key")
	}
	digest, err := receiptDigest(r)
	if err != nil {
		return err
	}
	return identity.Verify(digest[:], r.Signature, pub)
}
