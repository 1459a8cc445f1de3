package ipfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"crowdfund/internal/config"
	apperrors "crowdfund/internal/errors"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL    = "https://api.pinata.cloud"
	DefaultGatewayURL = "https://gateway.pinata.cloud/ipfs/"

	pinFilePath = "/pinning/pinFileToIPFS"
)

// PinResponse pinFileToIPFS 的返回
type PinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// PinataClient Pinata文件上传客户端
type PinataClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	gatewayURL string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewPinataClient 创建Pinata客户端
func NewPinataClient(cfg *config.PinataConfig, logger *logrus.Logger) *PinataClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	gatewayURL := cfg.GatewayURL
	if gatewayURL == "" {
		gatewayURL = DefaultGatewayURL
	}
	if !strings.HasSuffix(gatewayURL, "/") {
		gatewayURL += "/"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &PinataClient{
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		baseURL:    baseURL,
		gatewayURL: gatewayURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// GatewayURL 内容的公开访问地址
func (p *PinataClient) GatewayURL(cid string) string {
	return p.gatewayURL + cid
}

// PinFile 上传文件并返回CID
func (p *PinataClient) PinFile(ctx context.Context, name string, content io.Reader) (string, error) {
	body, contentType := multipartBody(name, content)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+pinFilePath, body)
	if err != nil {
		return "", externalError(err, "创建上传请求失败")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("pinata_api_key", p.apiKey)
	req.Header.Set("pinata_secret_api_key", p.secretKey)

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", externalError(err, "上传文件到IPFS失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", externalError(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))), "Pinata返回错误")
	}

	var pinned PinResponse
	if err := json.NewDecoder(resp.Body).Decode(&pinned); err != nil {
		return "", externalError(err, "解析Pinata响应失败")
	}
	if pinned.IpfsHash == "" {
		return "", externalError(fmt.Errorf("empty IpfsHash"), "Pinata响应缺少CID")
	}

	p.logger.WithFields(logrus.Fields{
		"name":     name,
		"cid":      pinned.IpfsHash,
		"size":     pinned.PinSize,
		"duration": time.Since(start),
	}).Info("文件已上传到IPFS")
	return pinned.IpfsHash, nil
}

// multipartBody 通过管道流式写入，避免整份文件再复制一次
func multipartBody(name string, content io.Reader) (io.Reader, string) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		err := writeMultipart(writer, name, content)
		if err == nil {
			err = writer.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, writer.FormDataContentType()
}

func writeMultipart(writer *multipart.Writer, name string, content io.Reader) error {
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return err
	}

	metadata, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return err
	}
	return writer.WriteField("pinataMetadata", string(metadata))
}

func externalError(err error, message string) error {
	return apperrors.Wrap(err, apperrors.ErrorTypeExternalAPI, apperrors.SeverityMedium, apperrors.CodeExternalAPI, message).WithComponent("ipfs")
}
