package config

import "errors"

// 配置相关错误
var (
	ErrInvalidPort            = errors.New("服务器端口必须在1到65535之间")
	ErrEmptyDSN               = errors.New("数据库连接串不能为空")
	ErrUnknownDriver          = errors.New("不支持的数据库驱动")
	ErrInvalidTimezone        = errors.New("无效的时区")
	ErrInvalidBuffer          = errors.New("预缓存帧数不能为负数")
	ErrEmptyTwilioCredentials = errors.New("Twilio账号和令牌不能为空")
	ErrEmptySMSFrom           = errors.New("短信发送号码不能为空")
)
