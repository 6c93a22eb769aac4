package ci

// ParticipationKind distinguishes the owner of a participation repository.
type ParticipationKind string

const (
	ParticipationStudent  ParticipationKind = "student"
	ParticipationTemplate ParticipationKind = "template"
	ParticipationSolution ParticipationKind = "solution"
	ParticipationTeam     ParticipationKind = "team"
)

// Participation is the association of an owner with an exercise and its repository.
//
// Submissions is only populated when the participation was loaded with its history.
type Participation struct {
	ID             int64
	Kind           ParticipationKind
	ExerciseID     int64
	Owner          string
	TestRun        bool
	RepositoryPath string
	Submissions    []Submission
}

// Exercise is the minimal read model of a programming exercise the pipeline needs.
type Exercise struct {
	ID           int64
	ProjectKey   string
	Title        string
	TeamMode     bool
	ExamExercise bool
	// Toolchain names the build toolchain and doubles as the dispatch capability tag.
	Toolchain string
}
