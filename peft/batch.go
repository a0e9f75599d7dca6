package peft

// PrependFill returns rows with n copies of v in front. Input rows are not modified.
func PrependFill(rows [][]int, n, v int) [][]int {
	out := make([][]int, len(rows))
	for r, row := range rows {
		out[r] = make([]int, n, n+len(row))
		for i := range out[r] {
			out[r][i] = v
		}
		out[r] = append(out[r], row...)
	}
	return out
}

// PrependOnes extends an attention mask by n attended positions.
func PrependOnes(mask [][]int, n int) [][]int { return PrependFill(mask, n, 1) }

// PrependZeros extends token type ids by n positions of type 0.
func PrependZeros(ids [][]int, n int) [][]int { return PrependFill(ids, n, 0) }

// prependRows concatenates prompt positions in front of each row of embeddings.
func prependRows(prompts, embeds [][][]float32) [][][]float32 {
	out := make([][][]float32, len(embeds))
	for r := range embeds {
		out[r] = make([][]float32, 0, len(prompts[r])+len(embeds[r]))
		out[r] = append(out[r], prompts[r]...)
		out[r] = append(out[r], embeds[r]...)
	}
	return out
}
