package models

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/suite"
)

type ProxyModelsTestSuite struct {
	suite.Suite
}

func (s *ProxyModelsTestSuite) TestNewProxyRequestDefaults() {
	req, err := NewProxyRequest("", "users?id=eq.42", nil)
	s.Require().NoError(err)

	s.Equal(http.MethodGet, req.Method())
	s.Equal("/users?id=eq.42", req.Path())
	s.False(req.HasBody())
	s.Nil(req.Body())
	s.Equal("application/json", req.Header().Get("Content-Type"))
	s.Equal("application/json", req.Header().Get("Accept"))
}

func (s *ProxyModelsTestSuite) TestNewProxyRequestEncodesBody() {
	req, err := NewProxyRequest("patch", "/posts?id=eq.7", map[string]any{"title": "hello"})
	s.Require().NoError(err)

	s.Equal(http.MethodPatch, req.Method())
	s.True(req.HasBody())
	s.JSONEq(`{"title":"hello"}`, string(req.Body()))
}

func (s *ProxyModelsTestSuite) TestNewProxyRequestRejectsUnencodable() {
	_, err := NewProxyRequest(http.MethodPost, "/users", map[string]any{"bad": make(chan int)})
	s.Error(err)
}

func (s *ProxyModelsTestSuite) TestProxyRequestIsImmutable() {
	req, err := NewProxyRequest(http.MethodPost, "/users", map[string]string{"name": "ada"})
	s.Require().NoError(err)

	body := req.Body()
	body[0] = 'X'
	header := req.Header()
	header.Set("Accept", "text/plain")

	s.JSONEq(`{"name":"ada"}`, string(req.Body()))
	s.Equal("application/json", req.Header().Get("Accept"))
}

func (s *ProxyModelsTestSuite) TestProxyResponseOK() {
	s.True((&ProxyResponse{StatusCode: http.StatusCreated}).OK())
	s.False((&ProxyResponse{StatusCode: http.StatusNotFound}).OK())
	s.False((&ProxyResponse{StatusCode: http.StatusBadGateway}).OK())
}

func TestProxyModelsSuite(t *testing.T) {
	suite.Run(t, new(ProxyModelsTestSuite))
}
