// Package events defines the typed event envelope published to the event bus.
//
// Every event shares one immutable envelope (id, kind, session, tenant, user,
// timestamp, correlation id, metadata) and carries exactly one kind-specific
// payload. Payload types form a closed set; the kind of an event is always the
// kind of its payload.
//
// Kinds are grouped by the component that produces them:
//
// turn lifecycle (voice orchestrator)
//
//   - SessionStarted (session_started): a turn started processing audio.
//   - Transcribed (transcribed): transcription finished; NoSpeech marks an
//     empty or low-confidence result.
//   - Generated (generated): response text is known. Redirected marks the
//     fixed compliance redirect that replaced generation.
//   - Synthesized (synthesized): response audio is ready.
//   - SessionCompleted (session_completed): terminal event of a turn.
//
// alerts (orchestrator and background consumers)
//
//   - ComplianceFlag (compliance_flag): a prohibited pattern was found.
//   - PerformanceAlert (performance_alert): a latency target was breached.
//   - Error (error): a stage failed and a fallback was used.
//
// connection lifecycle (connection manager)
//
//   - ConnectionOpened (connection_opened): an authenticated session started.
//   - ConnectionClosed (connection_closed): the session ended; emitted exactly
//     once per ConnectionOpened.
//
// All events produced while handling one turn share a correlation id.
package events
