// Package hostload reports host CPU utilization for the render admission
// gate.
//
// Sampler reads /proc/stat through procfs and reports the busy share of CPU
// time since the previous call. The first call has no baseline, so it falls
// back to the one-minute load average divided by the CPU count. Static is a
// fixed reading for tests and for hosts without procfs.
package hostload
