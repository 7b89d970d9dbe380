package video

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProbe(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		want    Info
		wantErr bool
	}{
		{
			name: "NTSC rate with frame count",
			json: `{"streams":[{"width":1280,"height":720,"r_frame_rate":"30000/1001","avg_frame_rate":"30000/1001","nb_frames":"900"}]}`,
			want: Info{FrameCount: 900, Width: 1280, Height: 720, FPS: 30000.0 / 1001.0},
		},
		{
			name: "Missing avg rate and frame count",
			json: `{"streams":[{"width":640,"height":480,"r_frame_rate":"25/1","avg_frame_rate":"0/0","nb_frames":"N/A"}]}`,
			want: Info{Width: 640, Height: 480, FPS: 25},
		},
		{
			name: "No usable rate falls back to 30",
			json: `{"streams":[{"width":2,"height":2,"r_frame_rate":"x","avg_frame_rate":""}]}`,
			want: Info{Width: 2, Height: 2, FPS: 30},
		},
		{
			name: "Display matrix rotation swaps dimensions",
			json: `{"streams":[{"width":1920,"height":1080,"r_frame_rate":"30/1","avg_frame_rate":"30/1","nb_frames":"60","side_data_list":[{"side_data_type":"Display Matrix","rotation":-90}]}]}`,
			want: Info{FrameCount: 60, Width: 1080, Height: 1920, FPS: 30},
		},
		{
			name: "Legacy rotate tag",
			json: `{"streams":[{"width":1280,"height":720,"avg_frame_rate":"25/1","tags":{"rotate":"270"}}]}`,
			want: Info{Width: 720, Height: 1280, FPS: 25},
		},
		{
			name: "Half turn keeps dimensions",
			json: `{"streams":[{"width":1280,"height":720,"avg_frame_rate":"25/1","side_data_list":[{"rotation":180}]}]}`,
			want: Info{Width: 1280, Height: 720, FPS: 25},
		},
		{name: "No streams", json: `{"streams":[]}`, wantErr: true},
		{name: "Zero size", json: `{"streams":[{"width":0,"height":0}]}`, wantErr: true},
		{name: "Garbage", json: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProbe([]byte(tt.json))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Width, got.Width)
			assert.Equal(t, tt.want.Height, got.Height)
			assert.Equal(t, tt.want.FrameCount, got.FrameCount)
			assert.InDelta(t, tt.want.FPS, got.FPS, 1e-9)
		})
	}
}

func TestParseRate(t *testing.T) {
	assert.InDelta(t, 29.97, parseRate("30000/1001"), 0.01)
	assert.Equal(t, 24.0, parseRate("24"))
	assert.Zero(t, parseRate("1/0"))
	assert.Zero(t, parseRate(""))
}

func TestQuarterTurn(t *testing.T) {
	for _, r := range []float64{90, -90, 270, -270, 450} {
		assert.True(t, quarterTurn(r), "%v", r)
	}
	for _, r := range []float64{0, 180, -180, 360} {
		assert.False(t, quarterTurn(r), "%v", r)
	}
}
