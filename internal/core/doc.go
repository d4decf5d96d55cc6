// Package core provides the domain model shared by every stage of a
// distributed raytracing run.
//
// # Core Types
//
// RunDescriptor: the immutable description of one pipeline execution (map
// base name, raytracer parameters, area count, optional roadside-unit file
// and node exclusions).
//
// Command: one external program invocation with an explicit working
// directory. Nothing in this module changes the process working directory;
// every invocation carries its own.
//
// ExecutionResult: the structured outcome of a Command (exit status,
// captured output, duration). Callers decide whether a non-zero exit is fatal.
package core
