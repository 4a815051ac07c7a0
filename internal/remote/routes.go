package remote

// procedureForKind maps each mutation kind to its remote procedure path.
// The vocabulary is closed: a kind absent from this table can never be
// dispatched and will retry forever until a mapping ships, so extend the
// table whenever a new mutation kind is added to the UI.
var procedureForKind = map[string]string{
	"job.timer.start":     "jobs.timer.start",
	"job.timer.pause":     "jobs.timer.pause",
	"job.timer.stop":      "jobs.timer.stop",
	"job.material.add":    "jobs.material.add",
	"job.material.remove": "jobs.material.remove",
	"job.note.add":        "jobs.note.add",
	"job.signature.save":  "jobs.signature.save",
	"job.status.update":   "jobs.status.update",
}

// ProcedureFor resolves a mutation kind to its remote procedure path.
func ProcedureFor(kind string) (string, bool) {
	proc, ok := procedureForKind[kind]
	return proc, ok
}

// KnownKind reports whether a kind has a remote procedure mapping.
func KnownKind(kind string) bool {
	_, ok := procedureForKind[kind]
	return ok
}
