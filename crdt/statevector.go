package crdt

// StateVector summarises how much of each actor's history a replica has
// seen: the highest contiguous sequence number per actor. Absent actors are
// implicitly at zero.
type StateVector map[uint64]uint64

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for actor, seq := range sv {
		out[actor] = seq
	}
	return out
}

// Covers reports whether the vector includes the given operation.
func (sv StateVector) Covers(id OpID) bool {
	return sv[id.Actor] >= id.Seq
}

// Dominates reports whether every counter in other is covered by sv.
func (sv StateVector) Dominates(other StateVector) bool {
	for actor, seq := range other {
		if sv[actor] < seq {
			return false
		}
	}
	return true
}

// Merge folds the counters of other into sv, keeping the maximum per actor.
func (sv StateVector) Merge(other StateVector) {
	for actor, seq := range other {
		if seq > sv[actor] {
			sv[actor] = seq
		}
	}
}
