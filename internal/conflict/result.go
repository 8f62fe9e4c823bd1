package conflict

import "fmt"

// ResultKind tags a ResolutionResult.
type ResultKind string

const (
	ResultNoAction ResultKind = "no_action"
	ResultUpdated  ResultKind = "updated"
	ResultDeleted  ResultKind = "deleted"
	ResultMerged   ResultKind = "merged"
	ResultRenamed  ResultKind = "renamed"
)

// ResolutionResult is the outcome of one conflict operation. Only the fields
// for Kind are set.
type ResolutionResult struct {
	Kind ResultKind

	// Updated
	TrackID string

	// Deleted
	RemoteID string
	Hard     bool

	// Merged
	PrimaryID   string
	DuplicateID string
	Reclaimed   int64

	// Renamed
	OldID string
	NewID string
}

// NoAction is the zero-effect result.
func NoAction() ResolutionResult { return ResolutionResult{Kind: ResultNoAction} }

// Updated reports a metadata overwrite.
func Updated(trackID string) ResolutionResult {
	return ResolutionResult{Kind: ResultUpdated, TrackID: trackID}
}

// Deleted reports a soft or hard deletion of remoteID.
func Deleted(remoteID string, hard bool) ResolutionResult {
	return ResolutionResult{Kind: ResultDeleted, RemoteID: remoteID, Hard: hard}
}

// Merged reports that duplicate was removed in favour of primary.
func Merged(primary, duplicate string, reclaimed int64) ResolutionResult {
	return ResolutionResult{Kind: ResultMerged, PrimaryID: primary, DuplicateID: duplicate, Reclaimed: reclaimed}
}

// Renamed reports a track rebound from oldID to newID.
func Renamed(oldID, newID string) ResolutionResult {
	return ResolutionResult{Kind: ResultRenamed, OldID: oldID, NewID: newID}
}

func (r ResolutionResult) String() string {
	switch r.Kind {
	case ResultUpdated:
		return fmt.Sprintf("updated(%s)", r.TrackID)
	case ResultDeleted:
		mode := "soft"
		if r.Hard {
			mode = "hard"
		}
		return fmt.Sprintf("deleted(%s, %s)", r.RemoteID, mode)
	case ResultMerged:
		return fmt.Sprintf("merged(%s <- %s)", r.PrimaryID, r.DuplicateID)
	case ResultRenamed:
		return fmt.Sprintf("renamed(%s -> %s)", r.OldID, r.NewID)
	default:
		return "no_action"
	}
}

// DuplicateSet is every live track sharing one content hash.
type DuplicateSet struct {
	Hash        string
	TrackIDs    []string
	WastedSpace int64
}

// Rename pairs a live track whose remote id vanished with the new remote id
// carrying the same content.
type Rename struct {
	TrackID     string
	OldRemoteID string
	NewRemoteID string
	FileName    string
}

// Stats aggregates one resolution pass.
type Stats struct {
	DuplicatesDetected int
	DuplicatesResolved int
	RenamesResolved    int
	DeletionsSoft      int
	DeletionsHard      int
	SpaceReclaimed     int64
	Failures           int
}

// Deleted returns soft plus hard deletions.
func (s Stats) Deleted() int {
	return s.DeletionsSoft + s.DeletionsHard
}
