//go:build unix

package elevate

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-winexec/clixml"
	"github.com/smnsjas/go-winexec/manifest"
	"github.com/smnsjas/go-winexec/results"
)

func TestPayloadArgsSizing(t *testing.T) {
	small := []byte("tiny payload")
	args, viaStdin := payloadArgs([]string{"elevated"}, small)
	if viaStdin {
		t.Error("small payload must ride the command line")
	}
	if len(args) != 3 || args[1] != EncodedCommandFlag {
		t.Fatalf("args: %v", args)
	}
	decoded, err := base64.StdEncoding.DecodeString(args[2])
	if err != nil || !bytes.Equal(decoded, small) {
		t.Errorf("encoded payload: %v %v", decoded, err)
	}

	big := bytes.Repeat([]byte("x"), MaxEncodedCommand)
	args, viaStdin = payloadArgs([]string{"elevated"}, big)
	if !viaStdin {
		t.Error("oversized payload must move to stdin")
	}
	if args[len(args)-1] != StdinPayloadFlag {
		t.Errorf("args: %v", args)
	}
}

func TestIdentityCredentialShapes(t *testing.T) {
	inherit := Identity{Username: "svc"}
	if inherit.credential() != nil {
		t.Error("nil password must inherit the current identity")
	}

	empty := manifest.NewSecureString("")
	withEmpty := Identity{Username: "svc", Password: &empty, UID: 1001, GID: 1001}
	cred := withEmpty.credential()
	if cred == nil {
		t.Fatal("empty password is still a credentialed login")
	}
	if cred.UID != 1001 || cred.GID != 1001 {
		t.Errorf("credential ids: %+v", cred)
	}

	set := manifest.NewSecureString("hunter2")
	withSet := Identity{Username: "svc", Password: &set, UID: 1002, GID: 1002}
	if withSet.credential() == nil {
		t.Error("set password must produce a credentialed spawn")
	}
}

func TestReadPayload(t *testing.T) {
	payload := []byte(`{"scripts":{}}`)
	encoded := base64.StdEncoding.EncodeToString(payload)

	got, err := ReadPayload([]string{"elevated", EncodedCommandFlag, encoded}, nil)
	if err != nil || !bytes.Equal(got, payload) {
		t.Errorf("encoded read: %q %v", got, err)
	}

	got, err = ReadPayload([]string{"elevated", StdinPayloadFlag}, strings.NewReader(string(payload)))
	if err != nil || !bytes.Equal(got, payload) {
		t.Errorf("stdin read: %q %v", got, err)
	}

	if _, err := ReadPayload([]string{"elevated"}, nil); err == nil {
		t.Error("missing delivery flag must error")
	}
	if _, err := ReadPayload([]string{EncodedCommandFlag}, nil); err == nil {
		t.Error("dangling flag must error")
	}
}

func TestRunCollectsFramedResult(t *testing.T) {
	doc := base64.StdEncoding.EncodeToString([]byte(`{"failed":false,"msg":"","elevated":true}`))
	script := `
echo "console noise"
printf "<Result JobId='%s'>%s</Result>\n" "` + uuid.NewString() + `" "` + doc + `"
echo "raw stderr line" >&2
exit 0
`
	out, err := Run(context.Background(), Command{
		Exe:      "/bin/sh",
		BaseArgs: []string{"-c", script, "sh"},
	}, []byte("payload"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if out.Result.Failed {
		t.Fatalf("unexpected failure: %+v", out.Result)
	}
	if out.Result.Fields["elevated"] != true {
		t.Errorf("result fields: %v", out.Result.Fields)
	}
	if !strings.Contains(out.Console, "console noise") {
		t.Errorf("console: %q", out.Console)
	}
	if !strings.Contains(out.RawStderr, "raw stderr line") {
		t.Errorf("raw stderr: %q", out.RawStderr)
	}
	if out.ExitCode != 0 {
		t.Errorf("exit code: %d", out.ExitCode)
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Run(ctx, Command{
		Exe:      "/bin/sh",
		BaseArgs: []string{"-c", "sleep 30", "sh"},
	}, []byte("payload"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %s", elapsed)
	}
}

func TestRunNoResultIsFailure(t *testing.T) {
	out, err := Run(context.Background(), Command{
		Exe:      "/bin/sh",
		BaseArgs: []string{"-c", "exit 5", "sh"},
	}, []byte("payload"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.Result.Failed {
		t.Fatal("missing result must fail")
	}
	if out.Result.Fields["rc"] != 5 {
		t.Errorf("rc field: %v", out.Result.Fields["rc"])
	}
	if out.ExitCode != 5 {
		t.Errorf("exit code: %d", out.ExitCode)
	}
}

func TestRunStdinPayloadReachesChild(t *testing.T) {
	doc := base64.StdEncoding.EncodeToString([]byte(`{"failed":false}`))
	// The child proves stdin delivery by only replying after draining it.
	script := `
n=$(wc -c)
printf "<Result JobId='%s'>%s</Result>\n" "` + uuid.NewString() + `" "` + doc + `"
echo "read $n bytes"
`
	payload := bytes.Repeat([]byte("y"), MaxEncodedCommand)
	out, err := Run(context.Background(), Command{
		Exe:      "/bin/sh",
		BaseArgs: []string{"-c", script, "sh"},
	}, payload)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Result.Failed {
		t.Fatalf("unexpected failure: %+v", out.Result)
	}
	if !strings.Contains(out.Console, "read") {
		t.Errorf("console: %q", out.Console)
	}
}

func TestRunDecodesSerializedStderr(t *testing.T) {
	enc, err := clixml.Encode([]clixml.Record{{Stream: clixml.StreamError, Text: "elevated boom"}})
	if err != nil {
		t.Fatalf("encode stderr: %v", err)
	}
	doc := base64.StdEncoding.EncodeToString([]byte(`{"failed":false}`))
	script := `
printf "<Result JobId='%s'>%s</Result>\n" "` + uuid.NewString() + `" "` + doc + `"
printf '%s' '` + enc + `' >&2
`
	out, err := Run(context.Background(), Command{
		Exe:      "/bin/sh",
		BaseArgs: []string{"-c", script, "sh"},
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out.StreamRecords) != 1 || out.StreamRecords[0].Text != "elevated boom" {
		t.Errorf("stream records: %+v", out.StreamRecords)
	}
	if out.RawStderr != "" {
		t.Errorf("raw stderr should be empty when decoded: %q", out.RawStderr)
	}
}

func TestReplyEmitsParseableFrame(t *testing.T) {
	var wire bytes.Buffer
	res := results.OK(map[string]any{"done": true})
	if err := Reply(&wire, res); err != nil {
		t.Fatalf("reply: %v", err)
	}

	frame, err := NewConduit(&wire, nil, nil).Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if frame.Type != FrameResult {
		t.Errorf("frame type: %s", frame.Type)
	}
	if !strings.Contains(string(frame.Payload), `"done":true`) {
		t.Errorf("payload: %s", frame.Payload)
	}
}
