package jobmanager

import (
	"icn-core/canon"
	"icn-core/ccid"
	"icn-core/identity"
)

// wire projections used to persist domain types as DAG block payloads.
// ccid.CID and identity.Principal carry unexported fields, so persistence
// goes through explicit byte/string projections (mirroring dag/codec.go).

type wireJobSpec struct {
	KindTag              string
	EchoPayload          []byte
	ModuleCID            []byte
	Inputs               [][]byte
	Outputs              []string
	CPU                  uint64
	MemMB                uint64
	StorageMB            uint64
	RequiredCapabilities []string
	RequiredTrustScope   string
	MinExecutorReputation uint64
	HasMinReputation     bool
	AllowedFederations   []string
}

// encodeSpecBytes renders a job spec into the canonical bytes used for job
// ID derivation (sign.go's jobID) and for block payload hashing.
func encodeSpecBytes(s JobSpec) ([]byte, error) {
	return canon.Bytes(encodeSpec(s))
}

func encodeSpec(s JobSpec) wireJobSpec {
	w := wireJobSpec{
		KindTag:               s.Kind.Tag,
		EchoPayload:           s.Kind.EchoPayload,
		ModuleCID:             s.Kind.ModuleCID.MarshalBinary(),
		Outputs:               s.Outputs,
		CPU:                   s.Resources.CPU,
		MemMB:                 s.Resources.MemMB,
		StorageMB:             s.Resources.StorageMB,
		RequiredCapabilities:  s.RequiredCapabilities,
		RequiredTrustScope:    s.RequiredTrustScope,
		MinExecutorReputation: s.MinExecutorReputation,
		HasMinReputation:      s.HasMinReputation,
		AllowedFederations:    s.AllowedFederations,
	}
	w.Inputs = make([][]byte, len(s.Inputs))
	for i, c := range s.Inputs {
		w.Inputs[i] = c.MarshalBinary()
	}
	return w
}

func decodeSpec(w wireJobSpec) (JobSpec, error) {
	moduleCID, err := ccid.UnmarshalCID(w.ModuleCID)
	if err != nil {
		return JobSpec{}, err
	}
	inputs := make([]ccid.CID, 0, len(w.Inputs))
	for _, raw := range w.Inputs {
		c, err := ccid.UnmarshalCID(raw)
		if err != nil {
			return JobSpec{}, err
		}
		inputs = append(inputs, c)
	}
	return JobSpec{
		Kind:                  JobKind{Tag: w.KindTag, EchoPayload: w.EchoPayload, ModuleCID: moduleCID},
		Inputs:                inputs,
		Outputs:               w.Outputs,
		Resources:             ResourceRequirements{CPU: w.CPU, MemMB: w.MemMB, StorageMB: w.StorageMB},
		RequiredCapabilities:  w.RequiredCapabilities,
		RequiredTrustScope:    w.RequiredTrustScope,
		MinExecutorReputation: w.MinExecutorReputation,
		HasMinReputation:      w.HasMinReputation,
		AllowedFederations:    w.AllowedFederations,
	}, nil
}

type wireJob struct {
	ID           []byte
	ManifestCID  []byte
	Spec         wireJobSpec
	Creator      string
	CostCredits  uint64
	MaxWaitMS    uint64
	HasMaxWaitMS bool
	Signature    []byte
}

// EncodeJob renders j as DAG block payload bytes.
func EncodeJob(j *Job) ([]byte, error) {
	w := wireJob{
		ID:           j.ID.MarshalBinary(),
		ManifestCID:  j.ManifestCID.MarshalBinary(),
		Spec:         encodeSpec(j.Spec),
		Creator:      j.Creator.String(),
		CostCredits:  j.CostCredits,
		MaxWaitMS:    j.MaxWaitMS,
		HasMaxWaitMS: j.HasMaxWaitMS,
		Signature:    j.Signature,
	}
	return canon.Bytes(w)
}

// DecodeJob parses the bytes produced by EncodeJob.
func DecodeJob(data []byte) (*Job, error) {
	var w wireJob
	if err := canon.Decode(data, &w); err != nil {
		return nil, err
	}
	id, err := ccid.UnmarshalCID(w.ID)
	if err != nil {
		return nil, err
	}
	manifestCID, err := ccid.UnmarshalCID(w.ManifestCID)
	if err != nil {
		return nil, err
	}
	spec, err := decodeSpec(w.Spec)
	if err != nil {
		return nil, err
	}
	creator, err := identity.ParseDID(w.Creator)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:           JobID{id},
		ManifestCID:  manifestCID,
		Spec:         spec,
		Creator:      creator,
		CostCredits:  w.CostCredits,
		MaxWaitMS:    w.MaxWaitMS,
		HasMaxWaitMS: w.HasMaxWaitMS,
		Signature:    identity.Signature(w.Signature),
	}, nil
}

type wireBid struct {
	JobID        []byte
	Executor     string
	PriceCredits uint64
	CPU          uint64
	MemMB        uint64
	StorageMB    uint64
	Capabilities []string
	Federations  []string
	TrustScope   string
	// RLP has no signed-integer encoding; timestamps travel as uint64 and
	// convert back at the domain boundary.
	Timestamp uint64
	Signature []byte
}

// EncodeBid renders b as DAG block payload bytes.
func EncodeBid(b *Bid) ([]byte, error) {
	w := wireBid{
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
		Signature:    b.Signature,
	}
	return canon.Bytes(w)
}

// DecodeBid parses the bytes produced by EncodeBid.
func DecodeBid(data []byte) (*Bid, error) {
	var w wireBid
	if err := canon.Decode(data, &w); err != nil {
		return nil, err
	}
	jobID, err := ccid.UnmarshalCID(w.JobID)
	if err != nil {
		return nil, err
	}
	executor, err := identity.ParseDID(w.Executor)
	if err != nil {
		return nil, err
	}
	return &Bid{
		JobID:        JobID{jobID},
		Executor:     executor,
		PriceCredits: w.PriceCredits,
		Resources:    ResourceRequirements{CPU: w.CPU, MemMB: w.MemMB, StorageMB: w.StorageMB},
		Capabilities: w.Capabilities,
		Federations:  w.Federations,
		TrustScope:   w.TrustScope,
		Timestamp:    int64(w.Timestamp),
		Signature:    identity.Signature(w.Signature),
	}, nil
}

type wireReceipt struct {
	JobID        []byte
	Executor     string
	ResultCID    []byte
	CPUMs        uint64
	MemoryPeakKB uint64
	ExitStatus   uint32
	Signature    []byte
}

// EncodeReceipt renders r as DAG block payload bytes.
func EncodeReceipt(r *ExecutionReceipt) ([]byte, error) {
	w := wireReceipt{
		JobID:        r.JobID.MarshalBinary(),
		Executor:     r.Executor.String(),
		ResultCID:    r.ResultCID.MarshalBinary(),
		CPUMs:        r.CPUMs,
		MemoryPeakKB: r.MemoryPeakKB,
		ExitStatus:   uint32(r.ExitStatus),
		Signature:    r.Signature,
	}
	return canon.Bytes(w)
}

// DecodeReceipt parses the bytes produced by EncodeReceipt.
func DecodeReceipt(data []byte) (*ExecutionReceipt, error) {
	var w wireReceipt
	if err := canon.Decode(data, &w); err != nil {
		return nil, err
	}
	jobID, err := ccid.UnmarshalCID(w.JobID)
	if err != nil {
		return nil, err
	}
	resultCID, err := ccid.UnmarshalCID(w.ResultCID)
	if err != nil {
		return nil, err
	}
	executor, err := identity.ParseDID(w.Executor)
	if err != nil {
		return nil, err
	}
	return &ExecutionReceipt{
		JobID:        JobID{jobID},
		Executor:     executor,
		ResultCID:    resultCID,
		CPUMs:        w.CPUMs,
		MemoryPeakKB: w.MemoryPeakKB,
		ExitStatus:   int32(w.ExitStatus),
		Signature:    identity.Signature(w.Signature),
	}, nil
}

// transitionRecord is the payload of every lifecycle transition block.
type transitionRecord struct {
	JobID    []byte
	State    uint8
	Reason   string
	Executor string
}

func encodeTransition(id JobID, state State, reason FailureReason, executor identity.Principal) ([]byte, error) {
	w := transitionRecord{JobID: id.MarshalBinary(), State: uint8(state), Reason: string(reason)}
	if !executor.IsZero() {
		w.Executor = executor.String()
	}
	return canon.Bytes(w)
}

func decodeTransition(data []byte) (State, FailureReason, identity.Principal, error) {
	var w transitionRecord
	if err := canon.Decode(data, &w); err != nil {
		return 0, "", identity.Principal{}, err
	}
	var executor identity.Principal
	if w.Executor != "" {
		p, err := identity.ParseDID(w.Executor)
		if err != nil {
			return 0, "", identity.Principal{}, err
		}
		executor = p
	}
	return State(w.State), FailureReason(w.Reason), executor, nil
}
