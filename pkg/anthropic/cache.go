package anthropic

// BuildCachedSystemBlocks wraps a static system prompt in a single block with
// a 1-hour cache breakpoint, so repeated extraction calls across a batch read
// the prompt from cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "1h",
			},
		},
	}
}
