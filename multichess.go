package multichess

const (
	// GCPProject is the project this runs in.
	GCPProject = "multichess-dev"

	// Service is the name of this service.
	Service = "multichess"
)
