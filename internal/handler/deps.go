package handler

import (
	"github.com/opentracing/opentracing-go"

	"muconf/internal/app/conference"
	"muconf/internal/configs"
)

type AppDeps struct {
	Config      *configs.AppConfig
	Coordinator *conference.Coordinator
	Graph       *conference.RoomGraph
	Dispatch    *conference.DispatchTable
	Tracer      opentracing.Tracer
}
