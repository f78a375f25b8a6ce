package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 origin/domain/bucket/命中状态字段，供网关请求日志复用。
func RequestFields(origin, domain, bucket string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"origin":    origin,
		"domain":    domain,
		"bucket":    bucket,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 描述一次 install/activate 阶段的日志字段。
func LifecycleFields(phase, bucket string) logrus.Fields {
	return logrus.Fields{
		"action": phase,
		"bucket": bucket,
	}
}
