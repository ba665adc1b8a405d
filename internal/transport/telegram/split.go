package telegram

import "strings"

const textLimit = 4000

// splitText splits long messages into chunks Telegram accepts.
// It prefers newline boundaries and, for HTML parse mode, keeps every chunk
// well formed: no cut inside a tag or entity, and no element left open.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if html && end < len(rs) {
			end = htmlCut(rs, start, end)
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// htmlCut moves end back so rs[start:end] does not stop inside a tag or an
// entity and closes every element it opens. When a single element is longer
// than the chunk the tag-safe cut is kept.
func htmlCut(rs []rune, start, end int) int {
	var open []int // positions of unclosed opening tags
	tagSafe := end
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			j := i + 1
			for j < len(rs) && rs[j] != '>' {
				j++
			}
			if j >= end {
				tagSafe = i
				i = end
				continue
			}
			switch {
			case i+1 < j && rs[i+1] == '/':
				if len(open) > 0 {
					open = open[:len(open)-1]
				}
			case rs[j-1] != '/':
				open = append(open, i)
			}
			i = j
		case '&':
			j := i + 1
			for j < end && j-i <= 10 && rs[j] != ';' && rs[j] != ' ' && rs[j] != '<' {
				j++
			}
			if j >= end {
				tagSafe = i
				i = end
			}
		}
	}
	if len(open) > 0 && open[0] > start {
		return open[0]
	}
	if tagSafe > start {
		return tagSafe
	}
	return end
}
