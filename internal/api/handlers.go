package api

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
)

// args reads request arguments from a JSON body or, failing that, from the
// query string and form, the way Moonraker accepts them
func args(c *gin.Context) map[string]string {
	out := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}

	if strings.HasPrefix(c.ContentType(), "application/json") {
		var body map[string]interface{}
		if err := c.ShouldBindJSON(&body); err == nil {
			for k, v := range body {
				if v == nil {
					continue
				}
				out[k] = fmt.Sprint(v)
			}
		}
		return out
	}

	if err := c.Request.ParseForm(); err == nil {
		for k, v := range c.Request.PostForm {
			if len(v) > 0 {
				out[k] = v[0]
			}
		}
	}
	return out
}

// handleNumpadEvent handles a key event from the numpad service
func (s *Server) handleNumpadEvent(c *gin.Context) {
	a := args(c)
	key := a["key"]
	if key == "" {
		fail(c, fmt.Errorf("%w: key is required", errBadRequest))
		return
	}
	s.log.Debug("received event", "key", key, "event_type", a["event_type"])

	out, err := s.deps.Dispatcher.HandleKeyEvent(c.Request.Context(), key)
	if err != nil {
		fail(c, err)
		return
	}
	result(c, out)
}

func (s *Server) handleNumpadStatus(c *gin.Context) {
	result(c, gin.H{"status": s.deps.Dispatcher.Status()})
}

func (s *Server) handleSoundList(c *gin.Context) {
	if s.deps.Sound == nil {
		fail(c, fmt.Errorf("%w: sound system", errDisabled))
		return
	}
	result(c, s.deps.Sound.List())
}

func (s *Server) handleSoundPlay(c *gin.Context) {
	if s.deps.Sound == nil {
		fail(c, fmt.Errorf("%w: sound system", errDisabled))
		return
	}
	res, err := s.deps.Sound.Play(c.Request.Context(), args(c)["sound"])
	if err != nil {
		fail(c, err)
		return
	}
	result(c, res)
}

func (s *Server) handleSoundScan(c *gin.Context) {
	if s.deps.Sound == nil {
		fail(c, fmt.Errorf("%w: sound system", errDisabled))
		return
	}
	result(c, s.deps.Sound.Rescan())
}

func (s *Server) handleSoundInfo(c *gin.Context) {
	if s.deps.Sound == nil {
		fail(c, fmt.Errorf("%w: sound system", errDisabled))
		return
	}
	result(c, s.deps.Sound.Info(c.Request.Context()))
}

func (s *Server) handleListerUpdate(c *gin.Context) {
	if s.deps.Updater == nil {
		fail(c, fmt.Errorf("%w: lister update", errDisabled))
		return
	}
	report, err := s.deps.Updater.Start(c.Request.Context(), args(c)["mode"])
	if err != nil {
		fail(c, err)
		return
	}
	result(c, report)
}

func (s *Server) handleMetadataScan(c *gin.Context) {
	if s.deps.Scanner == nil {
		fail(c, fmt.Errorf("%w: metadata scan", errDisabled))
		return
	}
	res, err := s.deps.Scanner.Scan(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	result(c, res)
}

// handleCommand handles command execution requests
func (s *Server) handleCommand(c *gin.Context) {
	var req struct {
		Command string `json:"command" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "command is required"})
		return
	}

	res := s.deps.Executor.Execute(c.Request.Context(), req.Command)

	if res.Success {
		response := gin.H{
			"success": true,
		}
		if res.Message != "" {
			response["message"] = res.Message
		}
		for k, v := range res.Data {
			response[k] = v
		}
		c.JSON(200, response)
	} else {
		c.JSON(400, gin.H{
			"success": false,
			"error":   res.Error,
		})
	}
}
