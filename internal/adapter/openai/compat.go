package openai

import "github.com/koriley/switchboard/internal/adapter"

// The compat constructors cover vendors that speak the Chat Completions
// dialect natively. Each carries its own endpoint defaults and
// capability set; translation is byte-for-byte the OpenAI adapter.

// NewDeepSeek returns the adapter configured for DeepSeek. DeepSeek
// surfaces reasoning via reasoning_content deltas.
func NewDeepSeek() *Adapter {
	return NewCompat("deepseek", adapter.Info{
		BaseURL:    "https://api.deepseek.com",
		ChatPath:   "/chat/completions",
		ModelsPath: "/models",
		AuthStyle:  adapter.AuthBearer,
	}, adapter.CapStreaming|adapter.CapTools|adapter.CapSystemPrompt|
		adapter.CapToolChoice|adapter.CapJSONMode|adapter.CapReasoning)
}

// NewMoonshot returns the adapter configured for Moonshot (Kimi).
func NewMoonshot() *Adapter {
	return NewCompat("moonshot", adapter.Info{
		BaseURL:    "https://api.moonshot.cn/v1",
		ChatPath:   "/chat/completions",
		ModelsPath: "/models",
		AuthStyle:  adapter.AuthBearer,
	}, baseCaps)
}

// NewQwen returns the adapter configured for Qwen's OpenAI-compatible
// DashScope endpoint.
func NewQwen() *Adapter {
	return NewCompat("qwen", adapter.Info{
		BaseURL:    "https://dashscope.aliyuncs.com/compatible-mode/v1",
		ChatPath:   "/chat/completions",
		ModelsPath: "/models",
		AuthStyle:  adapter.AuthBearer,
	}, baseCaps|adapter.CapReasoning)
}

// NewZhipu returns the adapter configured for Zhipu (GLM).
func NewZhipu() *Adapter {
	return NewCompat("zhipu", adapter.Info{
		BaseURL:    "https://open.bigmodel.cn/api/paas/v4",
		ChatPath:   "/chat/completions",
		ModelsPath: "/models",
		AuthStyle:  adapter.AuthBearer,
	}, baseCaps|adapter.CapReasoning)
}
