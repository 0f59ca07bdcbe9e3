package jobmanager

import (
	"icn-core/dag"
	"icn-core/identity"
	"icn-core/runtimeerr"
)

var errNoBids = runtimeerr.New(runtimeerr.NotFound, "jobmanager: no valid bids")

// federationOf resolves the federation a principal belongs to: the DID
// method segment serves as the federation namespace, a minimum-viable
// trust check pending richer governance-defined federation records.
func federationOf(p identity.Principal) string {
	return p.Method()
}

func containsAll(have, need []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, n := range need {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// verifyBidSignature checks a bid's detached signature over its canonical
// encoding.
func verifyBidSignature(b *Bid, pub dag.PubKeyResolver) error {
	pk, ok := pub.PubKeyFor(b.Executor)
	if !ok {
		return runtimeerr.New(runtimeerr.NotFound, "jobmanager: unknown bid executor public key")
	}
	digest, err := bidDigest(b)
	if err != nil {
		return err
	}
	return identity.Verify(digest[:], b.Signature, pk)
}

// ValidateBid checks a bid against a job's requirements: resources,
// capabilities, federation membership, minimum reputation, and
// trust-scope compatibility.
func ValidateBid(spec JobSpec, b *Bid, reps ReputationSource) error {
	if !spec.Resources.Satisfies(b.Resources) {
		return runtimeerr.New(runtimeerr.InvalidInput, "jobmanager: bid resources below job requirements")
	}
	if !containsAll(b.Capabilities, spec.RequiredCapabilities) {
		return runtimeerr.New(runtimeerr.InvalidInput, "jobmanager: bid missing required capabilities")
	}
	if len(spec.AllowedFederations) > 0 {
		ok := false
		for _, f := range b.Federations {
			if containsString(spec.AllowedFederations, f) {
				ok = true
				break
			}
		}
		if !ok {
			return runtimeerr.New(runtimeerr.InvalidInput, "jobmanager: executor federation not allowed for this job")
		}
	}
	if spec.HasMinReputation {
		rep, err := reps.Score(b.Executor)
		if err != nil {
			return err
		}
		if rep < spec.MinExecutorReputation {
			return runtimeerr.New(runtimeerr.InvalidInput, "jobmanager: executor reputation below job minimum")
		}
	}
	if spec.RequiredTrustScope != "" && spec.RequiredTrustScope != b.TrustScope {
		return runtimeerr.New(runtimeerr.InvalidInput, "jobmanager: trust scope mismatch")
	}
	return nil
}

// dedupeBids keeps, per executor, only the latest bid by signature
// timestamp.
func dedupeBids(bids []Bid) []Bid {
	latest := make(map[string]Bid, len(bids))
	for _, b := range bids {
		key := b.Executor.String()
		if cur, ok := latest[key]; !ok || b.Timestamp > cur.Timestamp {
			latest[key] = b
		}
	}
	out := make([]Bid, 0, len(latest))
	for _, b := range latest {
		out = append(out, b)
	}
	return out
}
