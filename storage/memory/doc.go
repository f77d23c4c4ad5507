// Package memory provides an in-memory implementation of all proxy storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments; all state is lost on restart, which only forces clients to
// restart in-flight authorization flows.
package memory
