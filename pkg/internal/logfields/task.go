package logfields

import (
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"

	"github.com/sirupsen/logrus"
)

func Task(task *repair.Task) logrus.Fields {
	node, _ := task.TargetNode()
	return logrus.Fields{
		"node": node,
		"task": task.DisplayString(),
	}
}
