package types

// Version is the canonical project version.
// The CLI, the engine daemon, and the streaming event contract share this
// version under the lockstep versioning policy.
const Version = "0.4.0"
