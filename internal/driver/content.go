package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
)

// chunkSize はバイナリダウンロードの読み込み単位。
const chunkSize = 1 << 20

// inlineContent は埋め込みコンテンツを返す。
func inlineContent(item RemoteItem) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(item.Content))
}

// streamBody はダウンロードURLからコンテンツを1MiB単位で読み込むストリームを返す。
func streamBody(ctx context.Context, client APIClient, rawURL, token string) (io.ReadCloser, error) {
	resp, err := client.Get(ctx, rawURL, token)
	if err != nil {
		return nil, err
	}
	return &chunkedBody{r: bufio.NewReaderSize(resp.Body, chunkSize), resp: resp}, nil
}

type chunkedBody struct {
	r    *bufio.Reader
	resp *http.Response
}

func (b *chunkedBody) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *chunkedBody) Close() error { return b.resp.Body.Close() }

// decodeBase64URL はパディングの有無を問わずbase64urlを復号する。
func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
