// Package sms 通过Twilio REST接口发送预约短信
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config 短信客户端配置
type Config struct {
	BaseURL    string // Twilio REST地址
	AccountSID string // 账号SID
	AuthToken  string // 认证令牌
	From       string // 发送号码
}

// Client Twilio短信客户端
type Client struct {
	config Config
	client *http.Client
}

// MessageResponse Messages接口返回
type MessageResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	To           string `json:"to"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// errorResponse 接口返回的错误结构
type errorResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// NewClient 创建新的短信客户端
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.twilio.com"
	}
	return &Client{
		config: config,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Send 发送一条短信
func (c *Client) Send(ctx context.Context, to, body string) (*MessageResponse, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.config.From)
	form.Set("Body", body)

	// 构建请求URL
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(c.config.BaseURL, "/"), url.PathEscape(c.config.AccountSID))

	// 创建请求
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.config.AccountSID, c.config.AuthToken)

	// 发送请求
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	// 检查响应状态码
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		var e errorResponse
		if json.Unmarshal(body, &e) == nil && e.Message != "" {
			return nil, fmt.Errorf("服务器返回错误(%d): %s", e.Code, e.Message)
		}
		return nil, fmt.Errorf("服务器返回错误: %s", string(body))
	}

	// 解析响应
	var message MessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&message); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	return &message, nil
}
