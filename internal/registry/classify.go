package registry

import "fmt"

// ExecutionPath is how a generation attempt is carried out
type ExecutionPath int

const (
	PathStreamingText ExecutionPath = iota + 1
	PathMediaJob
)

func (p ExecutionPath) String() string {
	switch p {
	case PathStreamingText:
		return "streaming_text"
	case PathMediaJob:
		return "media_job"
	default:
		return "unknown"
	}
}

// Classify picks the execution path from the registry entry. The identifier
// string itself is never inspected.
func (r *Registry) Classify(id string) (Resolution, ExecutionPath, error) {
	res := r.Resolve(id)
	switch res.Model.Kind {
	case KindStreamingText:
		return res, PathStreamingText, nil
	case KindMediaJob:
		return res, PathMediaJob, nil
	default:
		return res, 0, fmt.Errorf("classify %s: %w", res.Model.ID, ErrAmbiguousKind)
	}
}
