package parser

// MessageSchema is the JSON Schema a model response must satisfy before it is
// decoded into an aistate.AIMessage.
const MessageSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["preText"],
  "properties": {
    "preText": {
      "type": "string",
      "minLength": 1,
      "pattern": "\\S"
    },
    "validationRequest": {
      "type": "boolean"
    },
    "dataCommands": {
      "type": "array",
      "items": { "$ref": "#/definitions/command" }
    },
    "actionCommands": {
      "type": "array",
      "items": { "$ref": "#/definitions/command" }
    },
    "postText": {
      "type": "string"
    },
    "keepControl": {
      "type": "boolean"
    },
    "completed": {
      "type": "boolean"
    },
    "communicationModule": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "minLength": 1 },
        "data": { "type": "object" }
      }
    }
  },
  "definitions": {
    "command": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "minLength": 1 },
        "params": { "type": "object" }
      }
    }
  }
}`
