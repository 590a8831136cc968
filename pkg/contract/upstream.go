package contract

// UpstreamError 承载查询服务（HTTP）错误的最小诊断信息。
// 流水线在记录富化失败时据此附带 http_status/upstream_msg 字段。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}
