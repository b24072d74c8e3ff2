package streams

import (
	"fmt"
	"strings"
)

// segmentFilePattern is the deterministic segment filename pattern inside a
// stream's output directory.
const segmentFilePattern = "segment_%05d.ts"

// playlistFileName is the playlist file the transcoder writes and the
// transport layer serves.
const playlistFileName = "playlist.m3u8"

// LaunchSpec describes one transcode process to launch.
type LaunchSpec struct {
	ID            string
	SourceAddress string
	OutputDir     string
	PlaylistFile  string
	Params        EncodeParams
}

// buildTranscodeArgs composes the argv for the external transcoder: input
// address, timestamp normalization, resolved encode parameters, and HLS
// segmenting with a rolling window and old-segment deletion.
func buildTranscodeArgs(spec LaunchSpec, segmentSeconds, playlistWindow int) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-nostdin",
		"-nostats",
	}

	if strings.HasPrefix(spec.SourceAddress, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}

	args = append(args,
		"-i", spec.SourceAddress,
		// Normalize timestamps from the transport stream.
		"-fflags", "+genpts",
		"-avoid_negative_ts", "make_zero",
	)

	p := spec.Params
	args = append(args,
		"-c:v", p.VideoCodec,
		"-preset", p.Preset,
		"-b:v", p.VideoBitrate,
		"-maxrate", p.MaxRate,
		"-bufsize", p.BufSize,
	)
	if p.ScaleHeight > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=-2:%d", p.ScaleHeight))
	}
	args = append(args,
		"-c:a", p.AudioCodec,
		"-b:a", p.AudioBitrate,
	)

	// Machine-readable progress on stderr; the supervisor parses frame=
	// markers from it for liveness.
	args = append(args, "-progress", "pipe:2")

	args = append(args,
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", segmentSeconds),
		"-hls_list_size", fmt.Sprintf("%d", playlistWindow),
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", spec.OutputDir+"/"+segmentFilePattern,
		spec.PlaylistFile,
	)

	return args
}
