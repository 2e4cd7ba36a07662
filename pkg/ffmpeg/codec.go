package ffmpeg

// Preset bundles combine common option combinations.

// ClipH264 returns options for h264 clip encoding. CRF 23 keeps quality
// visually transparent for talking-head sources; the preset is the
// speed/quality knob the deployment chooses.
func ClipH264(preset string) []Option {
	return []Option{
		VideoCodec("libx264"),
		CRF(23),
		Preset(preset),
		PixelFormat("yuv420p"),
	}
}

// ClipAAC returns options for AAC audio in clip outputs.
func ClipAAC() []Option {
	return []Option{
		AudioCodec("aac"),
	}
}

// hlsKeyframeParams pins the GOP so every fMP4 segment starts on an IDR
// frame. Without scenecut=0 the encoder drifts keyframes and segment
// boundaries stop aligning across renditions.
const hlsKeyframeParams = "keyint=48:min-keyint=48:scenecut=0"

// HLSVideo returns options for one HLS rendition's video encode.
func HLSVideo(preset string, bitrateKbps int) []Option {
	return []Option{
		VideoCodec("libx264"),
		Preset(preset),
		VideoBitrate(itoa(bitrateKbps) + "k"),
		X264Params(hlsKeyframeParams),
		PixelFormat("yuv420p"),
	}
}

// HLSAudio returns options for HLS rendition audio.
func HLSAudio() []Option {
	return []Option{
		AudioCodec("aac"),
		AudioBitrate("96k"),
	}
}
