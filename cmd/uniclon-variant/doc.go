// Command uniclon-variant exposes the variant generator and scoring helpers
// to shell scripts and operators.
//
// Usage:
//
//	uniclon-variant <command> [flags]
//
// Commands:
//
//	generate  --input NAME --copy-index N [--salt S] [--profile P] [--backoff D]
//	          [--mode neutral|boost|relax] [--format json|shell|table]
//	          Print the deterministic randomization payload of one copy. The
//	          shell format prints RAND_* assignments suitable for eval.
//
//	score     --ssim X --phash Y [--psnr Z] [--bitrate-var V] [--profile P]
//	          Print the 0-10 trust score.
//
//	phash     IMAGE_A IMAGE_B
//	          Print both 64-bit hashes and their Hamming distance.
//
//	touch     --file PATH --epoch SECONDS
//	          Set the modification time, and the access time 3s later.
//
//	reports   [--limit N] [--json]
//	          List recent uniqueness reports from DATABASE_DIR/uniclon.db.
//
// Output is styled when stdout is a terminal and plain otherwise.
package main
