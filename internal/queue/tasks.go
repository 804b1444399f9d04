package queue

const (
	TypeSynthesisRun  = "synthesis:run"
	TypePaymentsSweep = "payments:sweep"
	TypeJobsWatchdog  = "jobs:watchdog"
)

type SynthesisRunPayload struct {
	JobID string `json:"job_id"`
}
