// Package patching computes activation-patching recovery scores.
//
// A request resolves one target per layer, runs two unpatched passes (the
// source prompt with capture, the destination prompt without), then runs one
// destination pass per (layer, position) with that single position of that
// layer's output replaced by the source activation. Each restored logit
// difference is normalized against the two baselines:
//
//	score = (restored - destination) / ((source - destination) + 1e-6)
//
// Everything runs sequentially through a single backend.ExecutionBackend and
// a request either yields a complete RecoveryMatrix or an error.
package patching
