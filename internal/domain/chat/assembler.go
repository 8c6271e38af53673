package chat

import "fmt"

// BuildTurnContext 构建本轮发往补全服务的完整消息列表。
// 纯函数，无 I/O：系统提示词 -> 摘要（如有）-> 近期窗口 -> 新的用户消息。
// 输出长度被窗口大小约束，与会话总长度无关。
func BuildTurnContext(systemPrompt string, mem *Memory, userText string) []TurnMessage {
	out := make([]TurnMessage, 0, len(mem.RecentMessages)+3)

	out = append(out, TurnMessage{Role: RoleSystem, Content: systemPrompt})

	if mem.Summary != "" {
		covered := mem.TotalMessageCount - len(mem.RecentMessages)
		out = append(out, TurnMessage{
			Role: RoleSystem,
			Content: fmt.Sprintf(
				"[对话背景] 以下是本会话更早 %d 条消息的摘要，仅作为背景参考，不是实际对话内容：\n%s",
				covered, mem.Summary,
			),
		})
	}

	out = append(out, mem.RecentMessages...)
	out = append(out, TurnMessage{Role: RoleUser, Content: userText})

	return out
}
