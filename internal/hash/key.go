// Package hash computes content-addressed task keys. A task key is the
// blake2b-256 digest of a canonical JSON payload covering the command,
// the keys of the tasks it needs, the declared output specs, and the
// content digest of every expanded input file.
package hash

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	"github.com/kilnbuild/kiln/internal/glob"
	"github.com/kilnbuild/kiln/internal/stamp"
	"github.com/kilnbuild/kiln/pkg/pipeline"
)

type keyInput struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
}

type keyPayload struct {
	Version int        `json:"v"`
	Command string     `json:"command"`
	Needs   []string   `json:"needs"`
	Outputs []string   `json:"outputs"`
	Inputs  []keyInput `json:"inputs"`
}

func marshalPayload(p keyPayload) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// TaskKey returns the content hash of task given the keys of its
// dependencies, along with the canonical payload the hash covers. When
// a non-nil stamp cache is provided, files whose metadata has not
// changed since the last run are not re-read.
func TaskKey(task pipeline.Task, depKeys []string, stamps *stamp.Cache) (string, []byte, error) {
	needs := append([]string(nil), depKeys...)
	sort.Strings(needs)

	outputSpecs := make([]string, 0, len(task.Outputs))
	for _, out := range task.Outputs {
		s := filepath.ToSlash(string(out))
		s = strings.TrimPrefix(s, "./")
		outputSpecs = append(outputSpecs, s)
	}
	sort.Strings(outputSpecs)

	inputs, err := glob.Expand(task.Inputs)
	if err != nil {
		return "", nil, fmt.Errorf("expand inputs: %w", err)
	}

	keyInputs := make([]keyInput, 0, len(inputs))
	for _, in := range inputs {
		p := filepath.FromSlash(string(in))

		// Fast path: reuse the cached digest when file metadata is
		// unchanged.
		if stamps != nil {
			if d, ok := stamps.Lookup(p); ok {
				keyInputs = append(keyInputs, keyInput{Path: string(in), Digest: d})
				continue
			}
		}

		d, err := FileDigest(p)
		if err != nil {
			return "", nil, fmt.Errorf("hash input %q: %w", in, err)
		}
		if stamps != nil {
			stamps.Update(p, d)
		}

		keyInputs = append(keyInputs, keyInput{Path: string(in), Digest: d})
	}

	payload, err := marshalPayload(keyPayload{
		Version: 1,
		Command: task.Command,
		Needs:   needs,
		Outputs: outputSpecs,
		Inputs:  keyInputs,
	})
	if err != nil {
		return "", nil, err
	}

	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:]), payload, nil
}

// FileDigest returns the hex-encoded blake2b-256 digest of the file at
// path.
func FileDigest(path string) (string, error) {
	log.Debug().Str("path", path).Msg("hashing input file")

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
