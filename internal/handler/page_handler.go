package handler

import (
	"errors"
	"html/template"
	"msgchain-go/internal/model"
	"msgchain-go/internal/service"
	"msgchain-go/pkg/chain"
	"msgchain-go/pkg/log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// 所有用户与 AI 文本都经由 html/template 转义，换行渲染为 <br>。
const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Chain Message</title>
<style>
body { font-family: sans-serif; max-width: 760px; margin: 2rem auto; }
.error { color: #b00020; }
.notice { color: #8a6d00; }
.entry { border-bottom: 1px solid #ddd; padding: .5rem 0; }
.ts { color: #777; font-size: .8rem; }
</style>
</head>
<body>
<h1>Chain Message</h1>
<p>Current message:
{{- if .ChainNotice}} <span class="error">{{.ChainNotice}}</span>
{{- else}} <strong>{{.ChainMessage}}</strong>{{end}}</p>

<form method="post" action="/send">
  <label>Contract <input name="contractAddress" size="46" value="{{.ContractAddress}}"></label><br>
  <textarea name="message" rows="3" cols="60" placeholder="Message"></textarea><br>
  <button type="submit">Send</button>
</form>

{{with .Error}}<p class="error">{{.}}</p>{{end}}
{{with .Outcome}}
<section>
  <p>Flow {{.FlowID}}: {{.State}}{{with .TxHash}} (tx {{.}}){{end}}</p>
  {{with .Error}}<p class="error">{{.}}</p>{{end}}
  {{with .AINotice}}<p class="notice">{{.}}</p>{{end}}
  {{with .HistoryNotice}}<p class="notice">{{.}}</p>{{end}}
  {{with .AI}}<p class="ai">{{range $i, $l := lines .}}{{if $i}}<br>{{end}}{{$l}}{{end}}</p>{{end}}
</section>
{{end}}

<h2>Conversation history</h2>
{{range .History}}
<div class="entry">
  <div class="ts">{{.Timestamp}}</div>
  <div class="user"><b>You:</b> {{range $i, $l := lines .User}}{{if $i}}<br>{{end}}{{$l}}{{end}}</div>
  <div class="ai"><b>AI:</b> {{range $i, $l := lines .AI}}{{if $i}}<br>{{end}}{{$l}}{{end}}</div>
</div>
{{else}}
<p>No conversations yet.</p>
{{end}}
</body>
</html>
`

var page = template.Must(template.New("page").Funcs(template.FuncMap{
	"lines": splitLines,
}).Parse(pageTemplate))

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(s, "\n")
}

type pageData struct {
	ContractAddress string
	ChainMessage    string
	ChainNotice     string
	Error           string
	Outcome         *service.Outcome
	History         []model.ConversationEntry
}

// PageHandler 渲染发送消息与浏览历史的网页。
type PageHandler struct {
	orchestrator    service.MessageOrchestrator
	conversation    service.ConversationService
	defaultContract string
}

// NewPageHandler 创建一个新的 PageHandler。
func NewPageHandler(orchestrator service.MessageOrchestrator, conversation service.ConversationService, defaultContract string) *PageHandler {
	return &PageHandler{orchestrator: orchestrator, conversation: conversation, defaultContract: defaultContract}
}

// Index 显示当前链上消息与对话历史。
func (h *PageHandler) Index(c *gin.Context) {
	data := pageData{ContractAddress: c.DefaultQuery("address", h.defaultContract)}
	h.refresh(c, &data)
	h.render(c, http.StatusOK, data)
}

// Send 处理网页表单提交。
func (h *PageHandler) Send(c *gin.Context) {
	data := pageData{ContractAddress: strings.TrimSpace(c.PostForm("contractAddress"))}
	status := http.StatusOK

	out, err := h.orchestrator.Send(c.Request.Context(), service.SendRequest{
		Message:         c.PostForm("message"),
		ContractAddress: data.ContractAddress,
	})
	switch {
	case err == nil:
		data.Outcome = out
		data.ChainMessage = out.ChainMessage
		data.ChainNotice = out.ChainNotice
		data.History = out.History
		if out.State == model.StateFailed {
			status = http.StatusBadGateway
			h.refresh(c, &data)
		}
	case errors.Is(err, service.ErrValidation):
		status = http.StatusBadRequest
		data.Error = "Error: Please enter a message and a valid contract address."
		h.refresh(c, &data)
	case errors.Is(err, service.ErrFlowInFlight):
		status = http.StatusConflict
		data.Error = "Error: A message is already being sent. Please wait."
		h.refresh(c, &data)
	default:
		log.Errorf("PageHandler: send failed, error: %v", err)
		status = http.StatusInternalServerError
		data.Error = "Error: Internal server error."
		h.refresh(c, &data)
	}
	h.render(c, status, data)
}

// refresh 从数据源重新读取链上消息与历史。
func (h *PageHandler) refresh(c *gin.Context, data *pageData) {
	ctx := c.Request.Context()
	msg, err := h.orchestrator.ReadCurrent(ctx, data.ContractAddress)
	if err != nil {
		data.ChainMessage = ""
		data.ChainNotice = chain.UserMessage(err, h.orchestrator.ExpectedChainID())
	} else {
		data.ChainMessage = msg
		data.ChainNotice = ""
	}
	history, err := h.conversation.History(ctx)
	if err != nil {
		log.Warnf("PageHandler: failed to read history, error: %v", err)
	}
	data.History = history
}

func (h *PageHandler) render(c *gin.Context, status int, data pageData) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(status)
	if err := page.Execute(c.Writer, data); err != nil {
		log.Errorf("PageHandler: failed to render page, error: %v", err)
	}
}
