package builtin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"docflow/internal/stage"
	"docflow/internal/stage/runtime"
	"docflow/internal/store"
)

const defaultMaxOutputBytes = 1 << 20

type commandConfig struct {
	Image          string            `json:"image"`
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env"`
	MaxOutputBytes int               `json:"max_output_bytes"`
}

func loadCommandConfig(raw json.RawMessage) (commandConfig, error) {
	c := commandConfig{MaxOutputBytes: defaultMaxOutputBytes}
	if err := decodeConfig(raw, &c); err != nil {
		return c, err
	}
	if len(c.Command) == 0 && c.Image == "" {
		return c, errors.New("command or image is required")
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = defaultMaxOutputBytes
	}
	return c, nil
}

// command runs an external program on the document. The program reads the document from
// the file named by DOCFLOW_INPUT and prints a JSON object as its last line of stdout;
// that object becomes the stage output.
type command struct {
	runtime runtime.Runtime
}

func (command) ValidateConfig(cfg json.RawMessage) error {
	_, err := loadCommandConfig(cfg)
	return err
}

func (c command) Run(ctx context.Context, doc store.Document, cfg json.RawMessage, sc stage.Context) stage.Result {
	conf, err := loadCommandConfig(cfg)
	if err != nil {
		return stage.Invalid("%v", err)
	}

	input, err := readDocument(ctx, doc, sc)
	if err != nil {
		return stage.Failure("read document: %v", err)
	}
	prior, err := json.Marshal(sc.Prior)
	if err != nil {
		return stage.Failure("encode metadata: %v", err)
	}

	env := map[string]string{}
	for k, v := range conf.Env {
		env[k] = v
	}
	env["DOCFLOW_TENANT_ID"] = sc.TenantID.String()
	env["DOCFLOW_JOB_ID"] = sc.JobID.String()
	env["DOCFLOW_DOCUMENT_ID"] = doc.ID.String()
	env["DOCFLOW_MEDIA_TYPE"] = doc.MediaType
	env["DOCFLOW_METADATA"] = string(prior)

	handle, err := c.runtime.Start(ctx, runtime.StartOptions{
		Name:    fmt.Sprintf("%s-%d-%d", sc.JobID, sc.Cursor, sc.Attempt),
		Image:   conf.Image,
		Command: conf.Command,
		Env:     env,
		Input:   input,
	})
	if err != nil {
		return stage.Failure("start command: %v", err)
	}
	cleanupCtx := context.WithoutCancel(ctx)
	defer handle.Cleanup(cleanupCtx)

	res, err := handle.Wait(ctx)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(cleanupCtx, 10*time.Second)
		defer cancel()
		_ = handle.Stop(stopCtx)
		return stage.Failure("command did not finish: %v", err)
	}
	if res.ExitCode != 0 {
		if res.Error != nil {
			return stage.Failure("command exited with code %d: %v", res.ExitCode, res.Error)
		}
		return stage.Failure("command exited with code %d", res.ExitCode)
	}

	logs, err := handle.StreamLogs(ctx)
	if err != nil {
		return stage.Failure("read command output: %v", err)
	}
	defer logs.Close()
	stdout, err := io.ReadAll(io.LimitReader(logs, int64(conf.MaxOutputBytes)+1))
	if err != nil {
		return stage.Failure("read command output: %v", err)
	}
	if len(stdout) > conf.MaxOutputBytes {
		return stage.Failure("command output exceeds %d bytes", conf.MaxOutputBytes)
	}

	payload, err := lastJSONObject(stdout)
	if err != nil {
		return stage.Failure("%v", err)
	}
	return stage.Success(payload)
}

// lastJSONObject returns the last stdout line that decodes as a JSON object.
func lastJSONObject(out []byte) (map[string]any, error) {
	var last map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), len(out)+1)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err == nil {
			last = obj
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan command output: %w", err)
	}
	if last == nil {
		return nil, errors.New("command printed no JSON object on stdout")
	}
	return last, nil
}
