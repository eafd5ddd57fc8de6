/*
Package workers sizes the concurrency of render slots and helper pools in
containerized environments.

# Overview

Inside a container runtime.NumCPU still reports the host's CPUs, while
GOMAXPROCS follows the cgroup CPU limit. Every helper here sizes from
GOMAXPROCS:

	// Parallel quality checks, at most 4
	n := workers.ForCPU(4)

	// Render batches that may hold a scheduler slot at once
	slots := workers.RenderSlots(0)

# Render Slots

Renders are serialized by default. RENDER_SLOTS=2 allows two concurrent
batches; RENDER_SLOTS=auto derives the value from the CPU count, capped at
MaxAutoRenderSlots. ECO_MODE overrides either setting and forces one slot
inside the scheduler.

# Environment Variable Override

Count, ForCPU and ForIO respect UNICLON_WORKERS:

	env:
	- name: UNICLON_WORKERS
	  value: "4"
*/
package workers
