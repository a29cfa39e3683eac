// Package types defines the shared types for the Groq client kit: chat
// messages, model descriptors, priorities, usage records, response shapes,
// and the error taxonomy used across all packages.
package types
