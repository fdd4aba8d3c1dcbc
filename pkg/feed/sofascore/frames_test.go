package sofascore

import (
	"testing"
)

func TestFrameParserHeaders(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want FrameType
	}{
		{"info", "INFO {\"server_id\":\"abc\"}\r\n", FrameInfo},
		{"ping", "PING\r\n", FramePing},
		{"pong", "PONG\r\n", FramePong},
		{"ok", "+OK\r\n", FrameOK},
		{"err", "-ERR 'Authentication Timeout'\r\n", FrameErr},
		{"garbage", "WAT is this\r\n", FrameUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p frameParser
			frames := p.Feed([]byte(tt.in))
			if len(frames) != 1 {
				t.Fatalf("got %d frames, want 1", len(frames))
			}
			if frames[0].Type != tt.want {
				t.Errorf("frame type = %s, want %s", frames[0].Type, tt.want)
			}
		})
	}
}

func TestFrameParserErrText(t *testing.T) {
	var p frameParser
	frames := p.Feed([]byte("-ERR 'Authentication Timeout'\r\n"))
	if len(frames) != 1 || frames[0].ErrText != "Authentication Timeout" {
		t.Fatalf("ErrText = %q, want Authentication Timeout", frames[0].ErrText)
	}
}

func TestFrameParserMsgWithPayload(t *testing.T) {
	var p frameParser
	frames := p.Feed([]byte("MSG sport.football 1 27\r\n{\"id\":123,\"sport\":\"football\"}\r\n"))
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.Type != FrameMsg {
		t.Errorf("type = %s, want MSG", f.Type)
	}
	if f.Subject != "sport.football" || f.SID != "1" {
		t.Errorf("subject/sid = %q/%q", f.Subject, f.SID)
	}
	if string(f.Payload) != `{"id":123,"sport":"football"}` {
		t.Errorf("payload = %q", f.Payload)
	}
}

func TestFrameParserPayloadSplitAcrossFrames(t *testing.T) {
	var p frameParser
	frames := p.Feed([]byte("MSG sport.football 1 10\r\n"))
	if len(frames) != 0 {
		t.Fatalf("header alone should not complete a frame, got %d", len(frames))
	}
	frames = p.Feed([]byte("{\"id\":7}\r\n"))
	if len(frames) != 1 || string(frames[0].Payload) != `{"id":7}` {
		t.Fatalf("payload did not attach across frames: %+v", frames)
	}
}

func TestFrameParserMultipleOpsInOneFrame(t *testing.T) {
	var p frameParser
	in := "PING\r\n+OK\r\nMSG sport.tennis 2 8\r\n{\"id\":9}\r\nPONG\r\n"
	frames := p.Feed([]byte(in))
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4", len(frames))
	}
	wantTypes := []FrameType{FramePing, FrameOK, FrameMsg, FramePong}
	for i, w := range wantTypes {
		if frames[i].Type != w {
			t.Errorf("frame %d type = %s, want %s", i, frames[i].Type, w)
		}
	}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
		want    string
	}{
		{"plain json", `{"id":1}`, false, `{"id":1}`},
		{"base64 json", "eyJpZCI6MX0=", false, `{"id":1}`},
		{"neither", "not-json-not-base64!!", true, ""},
		{"base64 of non-json", "aGVsbG8=", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodePayload([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && string(got) != tt.want {
				t.Errorf("decoded = %q, want %q", got, tt.want)
			}
		})
	}
}
