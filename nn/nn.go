// Package nn provides a CPU forward-pass engine for decoder-only transformers
// (Llama, Qwen2, Mistral) with interception sites inside every block.
//
// Each decoder block exposes three sites, visited in this order:
//   - attn:   output of the attention sub-block, before the residual add
//   - mlp:    output of the SwiGLU sub-block, before the residual add
//   - blocks: the residual stream leaving the block (optionally with its KV cache)
//
// A Hook passed through ForwardOptions sees every site's output as a
// [1, seqLen, hidden] tensor and may overwrite it before the pass continues.
//
// Example usage:
//
//	model, _ := nn.LoadTransformerFromSafetensors(dir, logger)
//	res, _ := model.Forward(tokens, nn.ForwardOptions{
//		Hook: func(layer int, site nn.Site, out *nn.SiteOutput) error {
//			// inspect or modify out.Hidden
//			return nil
//		},
//	})
//	_ = res.Logits // final-position logits
package nn
