package nn

import "fmt"

// EmbeddingForward performs embedding lookup for any numeric type.
// Output: [seqLen, embeddingDim]
func EmbeddingForward[T Numeric](tokenIDs []int, weights *Tensor[T], vocabSize, embeddingDim int) (*Tensor[T], error) {
	seqLen := len(tokenIDs)
	output := NewTensor[T](seqLen * embeddingDim)

	for i, tokenID := range tokenIDs {
		if tokenID < 0 || tokenID >= vocabSize {
			return nil, fmt.Errorf("token %d at position %d out of vocabulary range [0, %d)", tokenID, i, vocabSize)
		}
		copy(output.Data[i*embeddingDim:(i+1)*embeddingDim], weights.Data[tokenID*embeddingDim:(tokenID+1)*embeddingDim])
	}

	return output, nil
}
