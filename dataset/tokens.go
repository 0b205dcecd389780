package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ReadTokens reads one sentence of whitespace separated token ids per
// line. Blank lines are skipped.
func ReadTokens(r io.Reader) ([][]int32, error) {
	var sentences [][]int32

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		sentence := make([]int32, len(fields))
		for i, f := range fields {
			id, err := strconv.ParseInt(f, 10, 32)
			if err != nil || id < 0 {
				return nil, fmt.Errorf("line %d: invalid token id %q", line, f)
			}
			sentence[i] = int32(id)
		}
		sentences = append(sentences, sentence)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return sentences, nil
}

func ReadTokenFile(path string) ([][]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sentences, err := ReadTokens(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sentences, nil
}

// Flatten concatenates sentences into one stream.
func Flatten(sentences [][]int32) []int32 {
	var n int
	for _, s := range sentences {
		n += len(s)
	}

	out := make([]int32, 0, n)
	for _, s := range sentences {
		out = append(out, s...)
	}
	return out
}

// CheckVocabulary reports the first token outside [0, vocabSize).
func CheckVocabulary(tokens []int32, vocabSize int) error {
	for i, t := range tokens {
		if t < 0 || int(t) >= vocabSize {
			return fmt.Errorf("%w: token %d at offset %d outside vocabulary of %d", ErrConfig, t, i, vocabSize)
		}
	}
	return nil
}
