package recorder

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/irview/thermstream/internal/logger"
)

// mergeInputs names the temporary streams of one session. Thermal and WAV
// are optional; empty means the stream was not recorded.
type mergeInputs struct {
	RGB     string
	Thermal string
	WAV     string
}

// mergeStreams muxes the per-stream temporaries into one MKV. Video tracks
// are copied bit for bit; only the audio is transcoded to AAC. Container
// metadata from the inputs is discarded.
func mergeStreams(set Settings, in mergeInputs, out string) error {
	bin := set.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}

	args := []string{"-hide_banner", "-loglevel", "warning"}
	inputs := []string{in.RGB}
	if in.Thermal != "" {
		inputs = append(inputs, in.Thermal)
	}
	if in.WAV != "" {
		inputs = append(inputs, in.WAV)
	}
	for _, p := range inputs {
		args = append(args, "-i", p)
	}
	for i, p := range inputs {
		kind := "v"
		if p == in.WAV {
			kind = "a"
		}
		args = append(args, "-map", fmt.Sprintf("%d:%s", i, kind))
	}
	args = append(args, "-c:v", "copy", "-c:a", "aac", "-map_metadata", "-1", "-y", out)

	logger.Debug("Recorder", "merge: %s %s", bin, strings.Join(args, " "))
	cmd := exec.Command(bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// removeTemps deletes session temporaries. A path that is already gone is
// logged and skipped; cleanup never fails the stop path.
func removeTemps(paths []string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil {
			if os.IsNotExist(err) {
				logger.Warn("Recorder", "temporary %s already removed", p)
			} else {
				logger.Warn("Recorder", "remove %s: %v", p, err)
			}
		}
	}
}
